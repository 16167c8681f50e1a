package matcher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-share/internal/catalog"
	apperrors "github.com/example/campus-share/internal/errors"
	"github.com/example/campus-share/internal/events"
	"github.com/example/campus-share/internal/geo"
	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/models"
	"github.com/example/campus-share/internal/testfixtures"
)

type fixture struct {
	clock  *testfixtures.Clock
	facade *Facade
	rec    *events.Recorder
	places *geo.Index
	driver models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testfixtures.NewClock(testfixtures.ReferenceTime())
	rec := &events.Recorder{}
	places, err := geo.DefaultIndex()
	require.NoError(t, err)
	f := &fixture{
		clock: clock,
		rec:   rec,
		facade: New(Config{
			Now:     clock.Now,
			NewID:   testfixtures.NewIDGenerator("id").Next,
			Emitter: rec,
			Logger:  logging.Discard(),
		}),
		places: places,
	}
	f.driver = f.user(t, "rahul")
	return f
}

func (f *fixture) user(t *testing.T, name string) models.User {
	t.Helper()
	ctx := context.Background()
	u, err := f.facade.Users.Register(ctx, name+"@gbu.ac.in", name)
	require.NoError(t, err)
	u, err = f.facade.Users.SetVerified(ctx, u.ID, true)
	require.NoError(t, err)
	return u
}

func (f *fixture) place(t *testing.T, id string) models.Location {
	t.Helper()
	loc, ok := f.places.Get(id)
	require.True(t, ok, id)
	return loc
}

func (f *fixture) offer(t *testing.T, driver models.User, from, to string, seats int, price float64, in time.Duration) models.Ride {
	t.Helper()
	r, err := f.facade.OfferRide(context.Background(), catalog.CreateRideParams{
		DriverID:      driver.ID,
		From:          f.place(t, from),
		To:            f.place(t, to),
		DepartureTime: f.clock.Now().Add(in),
		TotalSeats:    seats,
		PricePerSeat:  price,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) thread(t *testing.T, a, b string) []models.Message {
	t.Helper()
	ctx := context.Background()
	conv, err := f.facade.Chats.EnsureConversation(ctx, a, b)
	require.NoError(t, err)
	msgs, err := f.facade.Chats.Messages(ctx, conv.ID, a)
	require.NoError(t, err)
	return msgs
}

func TestLastSeatsScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := f.user(t, "asha"), f.user(t, "bilal")
	ride := f.offer(t, f.driver, "gbu", "kp2-metro", 2, 40, 2*time.Hour)

	reqA, err := f.facade.RequestRide(ctx, ride.ID, a.ID, 2)
	require.NoError(t, err)
	_, err = f.facade.RespondToRequest(ctx, reqA.ID, f.driver.ID, true)
	require.NoError(t, err)
	r, err := f.facade.Rides.Get(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, r.AvailableSeats)

	reqB, err := f.facade.RequestRide(ctx, ride.ID, b.ID, 1)
	require.NoError(t, err)
	_, err = f.facade.RespondToRequest(ctx, reqB.ID, f.driver.ID, true)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientSeats)
	reqB, err = f.facade.Requests.Get(ctx, reqB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, reqB.Status)

	msgs := f.thread(t, a.ID, f.driver.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.MessageSystem, msgs[0].Kind)
	assert.Equal(t, a.ID, msgs[0].SenderID)
	assert.Contains(t, msgs[0].Content, "Requested 2 seats")
	assert.Equal(t, f.driver.ID, msgs[1].SenderID)
	assert.Contains(t, msgs[1].Content, "accepted")

	// the failed decision posts nothing
	assert.Len(t, f.thread(t, b.ID, f.driver.ID), 1)
}

func TestRequestRideFailureLeavesNoConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ride := f.offer(t, f.driver, "gbu", "kp2-metro", 2, 40, time.Hour)

	_, err := f.facade.RequestRide(ctx, ride.ID, f.driver.ID, 1)
	assert.ErrorIs(t, err, apperrors.ErrSelfRequest)
	assert.Empty(t, f.facade.Chats.Inbox(ctx, f.driver.ID))
}

func TestWithdrawRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.user(t, "asha")
	ride := f.offer(t, f.driver, "gbu", "pari-chowk", 3, 30, time.Hour)

	req, err := f.facade.RequestRide(ctx, ride.ID, a.ID, 2)
	require.NoError(t, err)
	_, err = f.facade.RespondToRequest(ctx, req.ID, f.driver.ID, true)
	require.NoError(t, err)
	req, err = f.facade.WithdrawRequest(ctx, req.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestWithdrawn, req.Status)

	r, err := f.facade.Rides.Get(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, r.AvailableSeats)

	msgs := f.thread(t, a.ID, f.driver.ID)
	require.Len(t, msgs, 3)
	assert.True(t, strings.HasPrefix(msgs[2].Content, "Withdrew"))
}

func TestAdvanceRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b, c := f.user(t, "asha"), f.user(t, "bilal"), f.user(t, "chitra")
	ride := f.offer(t, f.driver, "gbu", "kp2-metro", 4, 40, time.Hour)

	_, err := f.facade.AdvanceRide(ctx, ride.ID, a.ID, models.RideCancelled)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	accepted, err := f.facade.RequestRide(ctx, ride.ID, a.ID, 2)
	require.NoError(t, err)
	_, err = f.facade.RespondToRequest(ctx, accepted.ID, f.driver.ID, true)
	require.NoError(t, err)
	pending, err := f.facade.RequestRide(ctx, ride.ID, b.ID, 1)
	require.NoError(t, err)
	declined, err := f.facade.RequestRide(ctx, ride.ID, c.ID, 1)
	require.NoError(t, err)
	_, err = f.facade.RespondToRequest(ctx, declined.ID, f.driver.ID, false)
	require.NoError(t, err)

	cancelled, err := f.facade.AdvanceRide(ctx, ride.ID, f.driver.ID, models.RideCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, cancelled.Status)
	assert.Equal(t, 4, cancelled.AvailableSeats)

	for _, id := range []string{accepted.ID, pending.ID, declined.ID} {
		req, err := f.facade.Requests.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.RequestRejected, req.Status)
	}

	last := func(u models.User) string {
		msgs := f.thread(t, u.ID, f.driver.ID)
		return msgs[len(msgs)-1].Content
	}
	assert.Contains(t, last(a), "was cancelled")
	assert.Contains(t, last(b), "was cancelled")
	assert.Contains(t, last(c), "declined")

	_, err = f.facade.AdvanceRide(ctx, ride.ID, f.driver.ID, models.RideInProgress)
	assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
	_, err = f.facade.AdvanceRide(ctx, "missing", f.driver.ID, models.RideInProgress)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCancellationAnnouncesEveryRejectedRider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := f.user(t, "asha"), f.user(t, "bilal")
	ride := f.offer(t, f.driver, "gbu", "kp2-metro", 3, 40, time.Hour)

	first, err := f.facade.RequestRide(ctx, ride.ID, a.ID, 1)
	require.NoError(t, err)
	_, err = f.facade.RespondToRequest(ctx, first.ID, f.driver.ID, true)
	require.NoError(t, err)
	late, err := f.facade.RequestRide(ctx, ride.ID, b.ID, 1)
	require.NoError(t, err)

	// cancel below the facade; the hook still announces
	_, err = f.facade.Rides.AdvanceStatus(ctx, ride.ID, models.RideCancelled)
	require.NoError(t, err)

	for _, u := range []models.User{a, b} {
		msgs := f.thread(t, u.ID, f.driver.ID)
		require.NotEmpty(t, msgs)
		last := msgs[len(msgs)-1]
		assert.Equal(t, models.MessageSystem, last.Kind)
		assert.Contains(t, last.Content, "was cancelled")
	}
	req, err := f.facade.Requests.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, req.Status)

	_, err = f.facade.RequestRide(ctx, ride.ID, f.user(t, "chitra").ID, 1)
	assert.ErrorIs(t, err, apperrors.ErrRideNotJoinable)
}

func TestSuggestPrefersCheaperWhenWalkEqual(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := f.user(t, "meera")
	rider := f.user(t, "asha")

	pricey := f.offer(t, f.driver, "gbu", "kp2-metro", 2, 60, time.Hour)
	cheap := f.offer(t, other, "gbu", "pari-chowk", 2, 20, 2*time.Hour)
	far := f.offer(t, other, "sharda", "kp2-metro", 2, 10, time.Hour)
	own := f.offer(t, rider, "gbu", "kp2-metro", 2, 0, time.Hour)

	got := f.facade.Suggest(ctx, SuggestQuery{RiderID: rider.ID, Pickup: f.place(t, "gbu").Coordinate})
	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.Ride.ID)
		assert.NotEqual(t, own.ID, s.Ride.ID)
	}
	require.Len(t, ids, 3)
	assert.Equal(t, cheap.ID, ids[0])
	assert.Equal(t, pricey.ID, ids[1], "a short walk beats a saving of 50 on a long walk")
	assert.Equal(t, far.ID, ids[2])
	assert.Zero(t, got[0].WalkSeconds)
	assert.Equal(t, DefaultPriceWeight*20, got[0].Cost)

	t.Run("seats and limit", func(t *testing.T) {
		got := f.facade.Suggest(ctx, SuggestQuery{RiderID: rider.ID, Pickup: f.place(t, "gbu").Coordinate, Seats: 3})
		assert.Empty(t, got)
		got = f.facade.Suggest(ctx, SuggestQuery{RiderID: rider.ID, Pickup: f.place(t, "gbu").Coordinate, Limit: 1})
		require.Len(t, got, 1)
		assert.Equal(t, cheap.ID, got[0].Ride.ID)
	})

	t.Run("place filter", func(t *testing.T) {
		got := f.facade.Suggest(ctx, SuggestQuery{RiderID: rider.ID, Pickup: f.place(t, "gbu").Coordinate, Place: "pari"})
		require.Len(t, got, 1)
		assert.Equal(t, cheap.ID, got[0].Ride.ID)
	})
}

func TestMyRides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.user(t, "asha")

	soon := f.offer(t, f.driver, "gbu", "kp2-metro", 2, 40, time.Hour)
	later := f.offer(t, f.driver, "gbu", "pari-chowk", 2, 40, 5*time.Hour)
	joined := f.offer(t, a, "kp2-metro", "gbu", 2, 40, 3*time.Hour)

	req, err := f.facade.RequestRide(ctx, joined.ID, f.driver.ID, 1)
	require.NoError(t, err)
	_, err = f.facade.RespondToRequest(ctx, req.ID, a.ID, true)
	require.NoError(t, err)
	_, err = f.facade.AdvanceRide(ctx, soon.ID, f.driver.ID, models.RideInProgress)
	require.NoError(t, err)
	_, err = f.facade.AdvanceRide(ctx, soon.ID, f.driver.ID, models.RideCompleted)
	require.NoError(t, err)

	mine, err := f.facade.MyRides(ctx, f.driver.ID)
	require.NoError(t, err)
	require.Len(t, mine.Upcoming, 2)
	assert.Equal(t, joined.ID, mine.Upcoming[0].Ride.ID)
	assert.Equal(t, RoleRider, mine.Upcoming[0].Role)
	assert.Equal(t, req.ID, mine.Upcoming[0].RequestID)
	assert.Equal(t, later.ID, mine.Upcoming[1].Ride.ID)
	assert.Equal(t, RoleDriver, mine.Upcoming[1].Role)
	require.Len(t, mine.Past, 1)
	assert.Equal(t, soon.ID, mine.Past[0].Ride.ID)

	f.clock.Advance(4 * time.Hour)
	mine, err = f.facade.MyRides(ctx, f.driver.ID)
	require.NoError(t, err)
	assert.Len(t, mine.Upcoming, 1)
	assert.Len(t, mine.Past, 2)

	_, err = f.facade.MyRides(ctx, "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
