package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-share/internal/models"
)

func TestSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// ReferenceTime is Monday 08:00 UTC
	mk := func(to models.Location, in time.Duration, price float64) models.Ride {
		r, err := f.catalog.CreateRide(ctx, CreateRideParams{
			DriverID: f.driver.ID, From: gbu, To: to,
			DepartureTime: f.clock.Now().Add(in), TotalSeats: 2, PricePerSeat: price,
		})
		require.NoError(t, err)
		return r
	}
	today := mk(metro, 2*time.Hour, 50)
	tomorrow := mk(pari, 26*time.Hour, 40)
	later := mk(pari, 4*24*time.Hour, 30)
	nextWeek := mk(metro, 8*24*time.Hour, 20)
	full := mk(metro, 3*time.Hour, 10)
	require.NoError(t, f.catalog.ReserveSeats(ctx, full.ID, "req-1", 2))

	ids := func(rs []models.Ride) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	tests := []struct {
		name string
		q    RideQuery
		want []string
	}{
		{"all by departure", RideQuery{}, []string{today.ID, full.ID, tomorrow.ID, later.ID, nextWeek.ID}},
		{"today", RideQuery{Window: WindowToday}, []string{today.ID, full.ID}},
		{"tomorrow", RideQuery{Window: WindowTomorrow}, []string{tomorrow.ID}},
		{"this week", RideQuery{Window: WindowWeek}, []string{today.ID, full.ID, tomorrow.ID, later.ID}},
		{"lowest price joinable", RideQuery{Sort: SortPrice, JoinableOnly: true}, []string{nextWeek.ID, later.ID, tomorrow.ID, today.ID}},
		{"text matches destination", RideQuery{Text: "pari"}, []string{tomorrow.ID, later.ID}},
		{"text matches origin", RideQuery{Text: "buddha", Limit: 2}, []string{today.ID, full.ID}},
		{"other driver", RideQuery{DriverID: "someone"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(f.catalog.Search(ctx, tt.q)))
		})
	}

	assert.Len(t, f.catalog.ListByDriver(ctx, f.driver.ID), 5)
}

func TestParseWindow(t *testing.T) {
	w, ok := ParseWindow(" Today ")
	assert.True(t, ok)
	assert.Equal(t, WindowToday, w)
	_, ok = ParseWindow("fortnight")
	assert.False(t, ok)
}
