// Package accesscontrol is the central orchestrator: it owns the in-memory
// mirror of the backend's collections and exposes the mutation and query API
// used by the management surface.
package accesscontrol

import (
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/p-blackswan/access-agent/internal/models"
)

// DefaultMaxEvents bounds the in-memory event list.
const DefaultMaxEvents = 1000

// Collection names a part of State that listeners are told about.
type Collection string

const (
	CollectionPoints  Collection = "access_points"
	CollectionUsers   Collection = "users"
	CollectionEvents  Collection = "events"
	CollectionMetrics Collection = "metrics"
)

// Loading reports which collections have a fetch in flight.
type Loading struct {
	AccessPoints bool `json:"accessPoints"`
	Users        bool `json:"users"`
	Events       bool `json:"events"`
	Metrics      bool `json:"metrics"`
}

// Snapshot is a deep copy of State at one instant.
type Snapshot struct {
	AccessPoints []models.AccessPoint       `json:"accessPoints"`
	Users        []models.AccessControlUser `json:"users"`
	Events       []models.AccessEvent       `json:"events"`
	Metrics      *models.Metrics            `json:"metrics,omitempty"`
	Loading      Loading                    `json:"loading"`
	UpdatedAt    time.Time                  `json:"updatedAt"`
}

// State holds the access-control collections. Writers replace slices rather
// than mutating them in place, so readers holding an old slice stay valid.
type State struct {
	clock     clock.PassiveClock
	maxEvents int

	mu        sync.RWMutex
	points    []models.AccessPoint
	users     []models.AccessControlUser
	events    []models.AccessEvent
	metrics   *models.Metrics
	loading   Loading
	updatedAt time.Time

	lmu       sync.RWMutex
	listeners []func(Collection)
}

// NewState creates an empty State. maxEvents <= 0 uses DefaultMaxEvents.
func NewState(clk clock.PassiveClock, maxEvents int) *State {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &State{clock: clk, maxEvents: maxEvents}
}

// OnChange registers fn to run after a collection is replaced. Listeners run
// synchronously on the writer's goroutine, outside the state lock.
func (s *State) OnChange(fn func(Collection)) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *State) changed(c Collection) {
	s.lmu.RLock()
	ls := slices.Clone(s.listeners)
	s.lmu.RUnlock()
	for _, fn := range ls {
		fn(c)
	}
}

// Snapshot returns a deep copy of every collection.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		AccessPoints: clonePoints(s.points),
		Users:        cloneUsers(s.users),
		Events:       append([]models.AccessEvent(nil), s.events...),
		Loading:      s.loading,
		UpdatedAt:    s.updatedAt,
	}
	if s.metrics != nil {
		m := *s.metrics
		snap.Metrics = &m
	}
	return snap
}

// AccessPoints returns a copy of the access point collection.
func (s *State) AccessPoints() []models.AccessPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePoints(s.points)
}

// AccessPoint looks up one access point by id.
func (s *State) AccessPoint(id string) (models.AccessPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.points {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	return models.AccessPoint{}, false
}

// Users returns a copy of the user collection.
func (s *State) Users() []models.AccessControlUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneUsers(s.users)
}

// User looks up one user by id.
func (s *State) User(id string) (models.AccessControlUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ID == id {
			return u.Clone(), true
		}
	}
	return models.AccessControlUser{}, false
}

// Events returns up to limit events, newest first. limit <= 0 returns all.
func (s *State) Events(limit int) []models.AccessEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.events)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]models.AccessEvent(nil), s.events[:n]...)
}

// Metrics returns the last fetched backend metrics.
func (s *State) Metrics() (models.Metrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.metrics == nil {
		return models.Metrics{}, false
	}
	return *s.metrics, true
}

// Loading returns the current loading flags.
func (s *State) Loading() Loading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// SetAccessPoints replaces the access point collection.
func (s *State) SetAccessPoints(points []models.AccessPoint) {
	s.UpdateAccessPoints(func([]models.AccessPoint) ([]models.AccessPoint, bool) {
		return clonePoints(points), true
	})
}

// SetUsers replaces the user collection.
func (s *State) SetUsers(users []models.AccessControlUser) {
	s.UpdateUsers(func([]models.AccessControlUser) ([]models.AccessControlUser, bool) {
		return cloneUsers(users), true
	})
}

// UpdateAccessPoints applies fn atomically. fn must not modify its argument;
// it returns a replacement and whether anything changed. Listeners are told
// only when it did.
func (s *State) UpdateAccessPoints(fn func([]models.AccessPoint) ([]models.AccessPoint, bool)) {
	s.mu.Lock()
	next, ok := fn(s.points)
	if ok {
		s.points = next
		s.updatedAt = s.clock.Now()
	}
	s.mu.Unlock()
	if ok {
		s.changed(CollectionPoints)
	}
}

// UpdateUsers applies fn atomically, like UpdateAccessPoints.
func (s *State) UpdateUsers(fn func([]models.AccessControlUser) ([]models.AccessControlUser, bool)) {
	s.mu.Lock()
	next, ok := fn(s.users)
	if ok {
		s.users = next
		s.updatedAt = s.clock.Now()
	}
	s.mu.Unlock()
	if ok {
		s.changed(CollectionUsers)
	}
}

// SetEvents replaces the event list, keeping the newest maxEvents.
func (s *State) SetEvents(events []models.AccessEvent) {
	if len(events) > s.maxEvents {
		events = events[:s.maxEvents]
	}
	s.mu.Lock()
	s.events = append([]models.AccessEvent(nil), events...)
	s.updatedAt = s.clock.Now()
	s.mu.Unlock()
	s.changed(CollectionEvents)
}

// PrependEvent adds e as the newest event.
func (s *State) PrependEvent(e models.AccessEvent) {
	s.mu.Lock()
	n := min(len(s.events)+1, s.maxEvents)
	next := make([]models.AccessEvent, 0, n)
	next = append(next, e)
	next = append(next, s.events[:n-1]...)
	s.events = next
	s.updatedAt = s.clock.Now()
	s.mu.Unlock()
	s.changed(CollectionEvents)
}

// SetMetrics stores the latest backend metrics.
func (s *State) SetMetrics(m models.Metrics) {
	s.mu.Lock()
	s.metrics = &m
	s.updatedAt = s.clock.Now()
	s.mu.Unlock()
	s.changed(CollectionMetrics)
}

// setLoading flips one loading flag.
func (s *State) setLoading(c Collection, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c {
	case CollectionPoints:
		s.loading.AccessPoints = v
	case CollectionUsers:
		s.loading.Users = v
	case CollectionEvents:
		s.loading.Events = v
	case CollectionMetrics:
		s.loading.Metrics = v
	}
}

func clonePoints(in []models.AccessPoint) []models.AccessPoint {
	if in == nil {
		return nil
	}
	out := make([]models.AccessPoint, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

func cloneUsers(in []models.AccessControlUser) []models.AccessControlUser {
	if in == nil {
		return nil
	}
	out := make([]models.AccessControlUser, len(in))
	for i, u := range in {
		out[i] = u.Clone()
	}
	return out
}

// replacePoint returns points with the entry matching p.ID replaced, or p
// appended when absent.
func replacePoint(points []models.AccessPoint, p models.AccessPoint) []models.AccessPoint {
	out := make([]models.AccessPoint, 0, len(points)+1)
	found := false
	for _, cur := range points {
		if cur.ID == p.ID && !found {
			out = append(out, p)
			found = true
			continue
		}
		out = append(out, cur)
	}
	if !found {
		out = append(out, p)
	}
	return out
}

func removePoint(points []models.AccessPoint, id string) ([]models.AccessPoint, bool) {
	out := make([]models.AccessPoint, 0, len(points))
	for _, p := range points {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out, len(out) != len(points)
}

func replaceUser(users []models.AccessControlUser, u models.AccessControlUser) []models.AccessControlUser {
	out := make([]models.AccessControlUser, 0, len(users)+1)
	found := false
	for _, cur := range users {
		if cur.ID == u.ID && !found {
			out = append(out, u)
			found = true
			continue
		}
		out = append(out, cur)
	}
	if !found {
		out = append(out, u)
	}
	return out
}

func removeUser(users []models.AccessControlUser, id string) ([]models.AccessControlUser, bool) {
	out := make([]models.AccessControlUser, 0, len(users))
	for _, u := range users {
		if u.ID != id {
			out = append(out, u)
		}
	}
	return out, len(out) != len(users)
}
