package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrice(t *testing.T) {
	cases := []struct {
		name     string
		value    int64
		tax      float64
		discount int
		want     int64
	}{
		{"no tax no discount", 100000, 0, 0, 100000},
		{"vat only", 300000, 9, 0, 327000},
		{"vat rounds up", 100001, 9, 0, 109002},
		{"discount only", 100000, 0, 10, 90000},
		{"vat then discount", 300000, 9, 10, 294300},
		{"full discount", 100000, 9, 100, 0},
		{"zero value", 0, 9, 0, 0},
		{"over discount floors at zero", 100000, 9, 150, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Price(tc.value, tc.tax, tc.discount))
		})
	}
}

func TestAvailableAt(t *testing.T) {
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	before := now.Add(-24 * time.Hour)
	after := now.Add(24 * time.Hour)

	assert.True(t, Package{IsActive: true}.AvailableAt(now))
	assert.False(t, Package{IsActive: false}.AvailableAt(now))
	assert.False(t, Package{IsActive: true, StartAt: &after}.AvailableAt(now))
	assert.True(t, Package{IsActive: true, StartAt: &before}.AvailableAt(now))
	assert.False(t, Package{IsActive: true, EndAt: &before}.AvailableAt(now))
	assert.True(t, Package{IsActive: true, StartAt: &before, EndAt: &after}.AvailableAt(now))
}
