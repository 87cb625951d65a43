package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveOnline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		point   AccessPoint
		want    *bool
		flipped bool
	}{
		{
			name:    "stale online point goes offline",
			point:   AccessPoint{ID: "a", IsOnline: BoolPtr(true), LastStatusChange: TimePtr(now.Add(-20 * time.Minute))},
			want:    BoolPtr(false),
			flipped: true,
		},
		{
			name:    "stale unset flag counts as online",
			point:   AccessPoint{ID: "a", LastStatusChange: TimePtr(now.Add(-20 * time.Minute))},
			want:    BoolPtr(false),
			flipped: true,
		},
		{
			name:    "fresh offline point comes back",
			point:   AccessPoint{ID: "a", IsOnline: BoolPtr(false), LastStatusChange: TimePtr(now.Add(-time.Minute))},
			want:    BoolPtr(true),
			flipped: true,
		},
		{
			name:  "fresh online point untouched",
			point: AccessPoint{ID: "a", IsOnline: BoolPtr(true), LastStatusChange: TimePtr(now.Add(-time.Minute))},
			want:  BoolPtr(true),
		},
		{
			name:  "stale offline point untouched",
			point: AccessPoint{ID: "a", IsOnline: BoolPtr(false), LastStatusChange: TimePtr(now.Add(-time.Hour))},
			want:  BoolPtr(false),
		},
		{
			name:  "no timestamp untouched",
			point: AccessPoint{ID: "a", IsOnline: BoolPtr(true)},
			want:  BoolPtr(true),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, flipped := DeriveOnline(tt.point, now, DefaultOfflineThreshold)
			assert.Equal(t, tt.flipped, flipped)
			require.NotNil(t, got.IsOnline)
			assert.Equal(t, *tt.want, *got.IsOnline)
		})
	}
}

func TestApplyStaleness_ReturnsSameSliceWhenNothingChanges(t *testing.T) {
	now := time.Now()
	points := []AccessPoint{
		{ID: "a", IsOnline: BoolPtr(true), LastStatusChange: TimePtr(now)},
		{ID: "b"},
	}
	out, changed := ApplyStaleness(points, now, DefaultOfflineThreshold)
	assert.Equal(t, 0, changed)
	assert.Same(t, &points[0], &out[0])
}

func TestApplyStaleness_DoesNotMutateInput(t *testing.T) {
	now := time.Now()
	points := []AccessPoint{
		{ID: "a", IsOnline: BoolPtr(true), LastStatusChange: TimePtr(now.Add(-20 * time.Minute))},
		{ID: "b", IsOnline: BoolPtr(true), LastStatusChange: TimePtr(now)},
	}
	out, changed := ApplyStaleness(points, now, DefaultOfflineThreshold)
	assert.Equal(t, 1, changed)
	assert.False(t, out[0].Online())
	assert.True(t, out[1].Online())
	assert.True(t, points[0].Online(), "input must not be rewritten")
}

func TestDedupe_FirstOccurrenceWins(t *testing.T) {
	points := []AccessPoint{
		{ID: "a", Name: "first"},
		{ID: "b", Name: "other"},
		{ID: "a", Name: "second"},
	}
	out, dups := Dedupe(points, PointID)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Name)
	assert.Equal(t, "b", out[1].ID)
	assert.Equal(t, []string{"a"}, dups)
}

func TestDedupe_NoDuplicates(t *testing.T) {
	users := []AccessControlUser{{ID: "u1"}, {ID: "u2"}}
	out, dups := Dedupe(users, UserID)
	assert.Nil(t, dups)
	assert.Len(t, out, 2)
}

func TestOperationType_Valid(t *testing.T) {
	for _, op := range OperationTypes {
		assert.True(t, op.Valid(), op)
	}
	assert.False(t, OperationType("format_disk").Valid())
}

func TestAccessPoint_CloneIsDeep(t *testing.T) {
	p := AccessPoint{ID: "a", IsOnline: BoolPtr(true), CachedEvents: []AccessEvent{{ID: "e1"}}}
	c := p.Clone()
	*c.IsOnline = false
	c.CachedEvents[0].ID = "changed"
	assert.True(t, *p.IsOnline)
	assert.Equal(t, "e1", p.CachedEvents[0].ID)
}
