package timeslot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextHalfHour(t *testing.T) {
	tests := []struct {
		in, want HHMM
	}{
		{930, 1000},
		{1000, 1030},
		{1430, 1500},
		{0, 30},
		{2330, 2400},
	}
	for _, tt := range tests {
		got := NextHalfHour(tt.in)
		assert.Equal(t, tt.want, got, "NextHalfHour(%d)", tt.in)
		assert.True(t, Valid(got))
		assert.Greater(t, got, tt.in)
	}
}

func TestSlotsBetween(t *testing.T) {
	assert.Equal(t, []HHMM{900, 930, 1000, 1030}, SlotsBetween(900, 1100))
	assert.Len(t, SlotsBetween(900, 1800), 18)
	assert.Len(t, SlotsBetween(0, 2400), 48)
	assert.Empty(t, SlotsBetween(1100, 900))
	assert.Empty(t, SlotsBetween(900, 900))

	for open := HHMM(0); open < 2400; open = NextHalfHour(open) {
		for close := NextHalfHour(open); close <= 2400; close = NextHalfHour(close) {
			want := (close.Minutes() - open.Minutes()) / SlotMinutes
			require.Len(t, SlotsBetween(open, close), want, "%d-%d", open, close)
		}
	}
}

func TestIsAlignedSlot(t *testing.T) {
	assert.True(t, IsAlignedSlot(900))
	assert.True(t, IsAlignedSlot(930))
	assert.False(t, IsAlignedSlot(915))
	assert.False(t, IsAlignedSlot(959))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(0))
	assert.True(t, Valid(2400))
	assert.False(t, Valid(-30))
	assert.False(t, Valid(2430))
	assert.False(t, Valid(1045))
}

func TestOverlapsSymmetric(t *testing.T) {
	cases := [][4]HHMM{
		{900, 1000, 930, 1030},
		{900, 1000, 1000, 1100},
		{900, 1200, 1000, 1030},
		{1300, 1400, 900, 1000},
		{900, 1000, 900, 1000},
	}
	for _, c := range cases {
		assert.Equal(t, Overlaps(c[0], c[1], c[2], c[3]), Overlaps(c[2], c[3], c[0], c[1]), "%v", c)
	}
	assert.True(t, Overlaps(900, 1000, 930, 1030))
	assert.False(t, Overlaps(900, 1000, 1000, 1100), "touching intervals do not overlap")
}

func TestDurationToSlotCount(t *testing.T) {
	assert.Equal(t, 2, DurationToSlotCount(1))
	assert.Equal(t, 3, DurationToSlotCount(1.5))
	assert.Equal(t, 2, DurationToSlotCount(1.2))
	assert.Equal(t, 0, DurationToSlotCount(0.4))
	assert.Equal(t, 0, DurationToSlotCount(-1))
}

func TestClassTimeSlots(t *testing.T) {
	t.Run("fits", func(t *testing.T) {
		assert.Equal(t, []HHMM{1000, 1030}, ClassTimeSlots(1000, 1, 600, 2200))
	})

	t.Run("truncated at closing", func(t *testing.T) {
		got := ClassTimeSlots(2130, 1, 600, 2200)
		assert.Less(t, len(got), 2)
		assert.Equal(t, []HHMM{2130}, got)
	})

	t.Run("starts before opening", func(t *testing.T) {
		assert.Empty(t, ClassTimeSlots(530, 1, 600, 2200))
	})
}

func TestParse(t *testing.T) {
	got, err := Parse("09:30")
	require.NoError(t, err)
	assert.Equal(t, HHMM(930), got)

	got, err = Parse("1400")
	require.NoError(t, err)
	assert.Equal(t, HHMM(1400), got)

	for _, bad := range []string{"", "9:15", "25:00", "ab:cd", "1:2:3", "0945"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestStringAndAt(t *testing.T) {
	assert.Equal(t, "09:30", HHMM(930).String())
	assert.Equal(t, "24:00", EndOfDay.String())

	date := time.Date(2026, 3, 2, 17, 45, 0, 0, time.UTC)
	at := At(date, 930, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), at)
	assert.Equal(t, HHMM(930), Of(at))
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), At(date, EndOfDay, time.UTC))
}
