package accesscontrol

import (
	"net/mail"
	"strings"

	perrors "github.com/p-blackswan/access-agent/internal/errors"
	"github.com/p-blackswan/access-agent/internal/models"
)

// PointPatch is a partial access point update. Nil fields are left alone.
type PointPatch struct {
	Name         *string              `json:"name,omitempty"`
	Location     *string              `json:"location,omitempty"`
	Type         *string              `json:"type,omitempty"`
	AccessMethod *string              `json:"accessMethod,omitempty"`
	Status       *models.PointStatus  `json:"status,omitempty"`
	SensorStatus *models.SensorStatus `json:"sensorStatus,omitempty"`
}

func (p PointPatch) validate() error {
	if p == (PointPatch{}) {
		return perrors.Invalid("empty access point update")
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return perrors.Invalid("access point name cannot be empty")
	}
	if p.Location != nil && strings.TrimSpace(*p.Location) == "" {
		return perrors.Invalid("access point location cannot be empty")
	}
	if p.Status != nil && *p.Status != models.PointActive && *p.Status != models.PointDisabled {
		return perrors.Invalid("unknown access point status %q", *p.Status)
	}
	if p.SensorStatus != nil {
		switch *p.SensorStatus {
		case models.SensorClosed, models.SensorOpen, models.SensorHeldOpen:
		default:
			return perrors.Invalid("unknown sensor status %q", *p.SensorStatus)
		}
	}
	return nil
}

func (p PointPatch) apply(ap models.AccessPoint) models.AccessPoint {
	ap = ap.Clone()
	if p.Name != nil {
		ap.Name = *p.Name
	}
	if p.Location != nil {
		ap.Location = *p.Location
	}
	if p.Type != nil {
		ap.Type = *p.Type
	}
	if p.AccessMethod != nil {
		ap.AccessMethod = *p.AccessMethod
	}
	if p.Status != nil {
		ap.Status = *p.Status
	}
	if p.SensorStatus != nil {
		ap.SensorStatus = *p.SensorStatus
	}
	return ap
}

// UserPatch is a partial user update. Nil fields are left alone.
type UserPatch struct {
	Name                 *string                `json:"name,omitempty"`
	Email                *string                `json:"email,omitempty"`
	Department           *string                `json:"department,omitempty"`
	Role                 *string                `json:"role,omitempty"`
	Status               *string                `json:"status,omitempty"`
	AccessLevel          *string                `json:"accessLevel,omitempty"`
	AccessSchedule       *models.AccessSchedule `json:"accessSchedule,omitempty"`
	AutoRevokeAtCheckout *bool                  `json:"autoRevokeAtCheckout,omitempty"`
}

func (p UserPatch) validate() error {
	if p == (UserPatch{}) {
		return perrors.Invalid("empty user update")
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return perrors.Invalid("user name cannot be empty")
	}
	if p.Email != nil {
		if err := validateEmail(*p.Email); err != nil {
			return err
		}
	}
	if p.AccessSchedule != nil {
		return validateSchedule(*p.AccessSchedule)
	}
	return nil
}

func (p UserPatch) apply(u models.AccessControlUser) models.AccessControlUser {
	u = u.Clone()
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.Department != nil {
		u.Department = *p.Department
	}
	if p.Role != nil {
		u.Role = *p.Role
	}
	if p.Status != nil {
		u.Status = *p.Status
	}
	if p.AccessLevel != nil {
		u.AccessLevel = *p.AccessLevel
	}
	if p.AccessSchedule != nil {
		s := *p.AccessSchedule
		s.Days = append([]string(nil), p.AccessSchedule.Days...)
		u.AccessSchedule = &s
	}
	if p.AutoRevokeAtCheckout != nil {
		u.AutoRevokeAtCheckout = *p.AutoRevokeAtCheckout
	}
	return u
}

func validatePoint(p models.AccessPoint) error {
	if strings.TrimSpace(p.Name) == "" {
		return perrors.Invalid("access point name is required")
	}
	if strings.TrimSpace(p.Location) == "" {
		return perrors.Invalid("access point location is required")
	}
	if p.Status != "" && p.Status != models.PointActive && p.Status != models.PointDisabled {
		return perrors.Invalid("unknown access point status %q", p.Status)
	}
	return nil
}

func validateUser(u models.AccessControlUser) error {
	if strings.TrimSpace(u.Name) == "" {
		return perrors.Invalid("user name is required")
	}
	if err := validateEmail(u.Email); err != nil {
		return err
	}
	if u.AccessSchedule != nil {
		return validateSchedule(*u.AccessSchedule)
	}
	return nil
}

func validateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return perrors.Invalid("user email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return perrors.Invalid("invalid email %q", email)
	}
	return nil
}

// validateSchedule checks the HH:MM window and day names.
func validateSchedule(s models.AccessSchedule) error {
	if len(s.Days) == 0 {
		return perrors.Invalid("access schedule needs at least one day")
	}
	for _, d := range s.Days {
		if !validDays[strings.ToLower(d)] {
			return perrors.Invalid("unknown schedule day %q", d)
		}
	}
	start, ok1 := clockMinutes(s.StartTime)
	end, ok2 := clockMinutes(s.EndTime)
	if !ok1 || !ok2 {
		return perrors.Invalid("schedule times must be HH:MM")
	}
	if start == end {
		return perrors.Invalid("schedule window is empty")
	}
	return nil
}

var validDays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"mon": true, "tue": true, "wed": true, "thu": true, "fri": true, "sat": true, "sun": true,
}

func clockMinutes(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	for _, c := range []byte{s[0], s[1], s[3], s[4]} {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	if h > 23 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
