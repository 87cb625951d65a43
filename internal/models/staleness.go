package models

import "time"

// DefaultOfflineThreshold is how long an access point may go without a status
// change before it is considered offline.
const DefaultOfflineThreshold = 15 * time.Minute

// DeriveOnline applies the staleness rule to a single point. It returns the
// (possibly rewritten) point and whether the derived status changed. Points
// without a LastStatusChange are never touched.
func DeriveOnline(p AccessPoint, now time.Time, threshold time.Duration) (AccessPoint, bool) {
	if p.LastStatusChange == nil {
		return p, false
	}
	elapsed := now.Sub(*p.LastStatusChange)
	switch {
	case elapsed > threshold && p.Online():
		p = p.Clone()
		p.IsOnline = BoolPtr(false)
		return p, true
	case elapsed <= threshold && p.IsOnline != nil && !*p.IsOnline:
		p = p.Clone()
		p.IsOnline = BoolPtr(true)
		return p, true
	}
	return p, false
}

// ApplyStaleness runs DeriveOnline over points. The input slice is returned
// unchanged when no entry flips; otherwise a new slice is returned along with
// the number of flipped entries.
func ApplyStaleness(points []AccessPoint, now time.Time, threshold time.Duration) ([]AccessPoint, int) {
	var out []AccessPoint
	changed := 0
	for i, p := range points {
		next, flipped := DeriveOnline(p, now, threshold)
		if !flipped {
			continue
		}
		if out == nil {
			out = make([]AccessPoint, len(points))
			copy(out, points)
		}
		out[i] = next
		changed++
	}
	if changed == 0 {
		return points, 0
	}
	return out, changed
}

// Dedupe keeps the first occurrence of every id and returns the duplicate ids
// it dropped. The input is returned as-is when there are no duplicates.
func Dedupe[T any](items []T, id func(T) string) ([]T, []string) {
	seen := make(map[string]struct{}, len(items))
	var dups []string
	for _, it := range items {
		k := id(it)
		if _, ok := seen[k]; ok {
			dups = append(dups, k)
			continue
		}
		seen[k] = struct{}{}
	}
	if len(dups) == 0 {
		return items, nil
	}
	out := make([]T, 0, len(seen))
	kept := make(map[string]struct{}, len(seen))
	for _, it := range items {
		k := id(it)
		if _, ok := kept[k]; ok {
			continue
		}
		kept[k] = struct{}{}
		out = append(out, it)
	}
	return out, dups
}

// PointID is the id accessor for Dedupe.
func PointID(p AccessPoint) string { return p.ID }

// UserID is the id accessor for Dedupe.
func UserID(u AccessControlUser) string { return u.ID }
