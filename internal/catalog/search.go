package catalog

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/example/campus-share/internal/models"
)

type Window string

const (
	WindowAny      Window = ""
	WindowToday    Window = "today"
	WindowTomorrow Window = "tomorrow"
	WindowWeek     Window = "week"
)

type SortOrder string

const (
	SortDeparture SortOrder = "departure"
	SortPrice     SortOrder = "price"
)

// RideQuery filters the ride list. Zero values disable the filter.
type RideQuery struct {
	Text         string
	Window       Window
	DriverID     string
	JoinableOnly bool
	Sort         SortOrder
	Limit        int
}

// Search lists rides matching q.
func (c *Catalog) Search(_ context.Context, q RideQuery) []models.Ride {
	now := c.now()
	text := strings.ToLower(strings.TrimSpace(q.Text))
	start, end, windowed := q.Window.bounds(now)

	rides := c.snapshot(func(r models.Ride) bool {
		if q.DriverID != "" && r.DriverID != q.DriverID {
			return false
		}
		if q.JoinableOnly && (!r.Joinable(now) || r.AvailableSeats == 0) {
			return false
		}
		if windowed && (r.DepartureTime.Before(start) || !r.DepartureTime.Before(end)) {
			return false
		}
		if text != "" &&
			!strings.Contains(strings.ToLower(r.From.Name), text) &&
			!strings.Contains(strings.ToLower(r.To.Name), text) {
			return false
		}
		return true
	})
	sortRides(rides, q.Sort)
	if q.Limit > 0 && len(rides) > q.Limit {
		rides = rides[:q.Limit]
	}
	return rides
}

// bounds returns the [start, end) range of w in now's location. The week is
// Monday based.
func (w Window) bounds(now time.Time) (time.Time, time.Time, bool) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch w {
	case WindowToday:
		return day, day.AddDate(0, 0, 1), true
	case WindowTomorrow:
		return day.AddDate(0, 0, 1), day.AddDate(0, 0, 2), true
	case WindowWeek:
		offset := (int(day.Weekday()) + 6) % 7
		monday := day.AddDate(0, 0, -offset)
		return monday, monday.AddDate(0, 0, 7), true
	}
	return time.Time{}, time.Time{}, false
}

// ParseWindow accepts the window names used by the ride list filters.
func ParseWindow(s string) (Window, bool) {
	switch w := Window(strings.ToLower(strings.TrimSpace(s))); w {
	case WindowAny, WindowToday, WindowTomorrow, WindowWeek:
		return w, true
	}
	return WindowAny, false
}

func sortRides(rides []models.Ride, order SortOrder) {
	sort.SliceStable(rides, func(i, j int) bool {
		a, b := rides[i], rides[j]
		if order == SortPrice && a.PricePerSeat != b.PricePerSeat {
			return a.PricePerSeat < b.PricePerSeat
		}
		if !a.DepartureTime.Equal(b.DepartureTime) {
			return a.DepartureTime.Before(b.DepartureTime)
		}
		return a.ID < b.ID
	})
}
