// Package matcher composes the identity, catalog, ledger and conversation
// components into the operations the transport exposes.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/campus-share/internal/catalog"
	"github.com/example/campus-share/internal/conversation"
	apperrors "github.com/example/campus-share/internal/errors"
	"github.com/example/campus-share/internal/eta"
	"github.com/example/campus-share/internal/events"
	"github.com/example/campus-share/internal/identity"
	"github.com/example/campus-share/internal/ledger"
	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/models"
)

const (
	DefaultWalkSpeedMps = 1.4
	// DefaultPriceWeight converts one unit of price into seconds of walking.
	DefaultPriceWeight = 30.0
	DefaultSuggestions = 10
)

// Config wires the components. Zero values fall back to defaults.
type Config struct {
	Now           func() time.Time
	NewID         func() string
	Emitter       events.Emitter
	Logger        *slog.Logger
	DriveSpeedMps float64
	WalkSpeedMps  float64
	PriceWeight   float64
}

type Facade struct {
	Users    *identity.Store
	Rides    *catalog.Catalog
	Requests *ledger.Ledger
	Chats    *conversation.Store

	now          func() time.Time
	logger       *slog.Logger
	walkSpeedMps float64
	priceWeight  float64
}

// New builds every component around one clock, emitter and logger and links
// ride cancellation to the ledger.
func New(cfg Config) *Facade {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.Nop{}
	}
	if cfg.WalkSpeedMps <= 0 {
		cfg.WalkSpeedMps = DefaultWalkSpeedMps
	}
	if cfg.PriceWeight <= 0 {
		cfg.PriceWeight = DefaultPriceWeight
	}

	userOpts := []identity.Option{identity.WithClock(cfg.Now), identity.WithEmitter(cfg.Emitter), identity.WithLogger(cfg.Logger)}
	catOpts := []catalog.Option{catalog.WithClock(cfg.Now), catalog.WithEmitter(cfg.Emitter), catalog.WithLogger(cfg.Logger), catalog.WithSpeed(cfg.DriveSpeedMps)}
	ledOpts := []ledger.Option{ledger.WithClock(cfg.Now), ledger.WithEmitter(cfg.Emitter), ledger.WithLogger(cfg.Logger)}
	convOpts := []conversation.Option{conversation.WithClock(cfg.Now), conversation.WithEmitter(cfg.Emitter), conversation.WithLogger(cfg.Logger)}
	if cfg.NewID != nil {
		userOpts = append(userOpts, identity.WithIDs(cfg.NewID))
		catOpts = append(catOpts, catalog.WithIDs(cfg.NewID))
		ledOpts = append(ledOpts, ledger.WithIDs(cfg.NewID))
		convOpts = append(convOpts, conversation.WithIDs(cfg.NewID))
	}

	users := identity.NewStore(userOpts...)
	rides := catalog.New(users, catOpts...)
	requests := ledger.New(rides, users, ledOpts...)

	f := &Facade{
		Users:        users,
		Rides:        rides,
		Requests:     requests,
		Chats:        conversation.NewStore(users, convOpts...),
		now:          cfg.Now,
		logger:       cfg.Logger,
		walkSpeedMps: cfg.WalkSpeedMps,
		priceWeight:  cfg.PriceWeight,
	}
	rides.OnCancel(f.rejectForCancelled)
	return f
}

// rejectForCancelled rejects the live requests of a cancelled ride and tells
// each of those riders. The ledger closes the ride to new requests before it
// collects them, so a late submission is either refused or announced.
func (f *Facade) rejectForCancelled(ctx context.Context, ride models.Ride, voided []string) {
	for _, req := range f.Requests.RejectAllForRide(ctx, ride, voided) {
		f.announce(ctx, "RideCancelled", ride.DriverID, req.RiderID, fmt.Sprintf("The ride %s was cancelled", describe(ride)))
	}
}

// announce posts a system message from sender to recipient. The side channel
// is best effort: failures are logged and never reach the caller.
func (f *Facade) announce(ctx context.Context, operation, sender, recipient, text string) {
	logger := logging.Component(ctx, f.logger, "matcher", operation, "sender_id", sender, "recipient_id", recipient)
	conv, err := f.Chats.EnsureConversation(ctx, sender, recipient)
	if err != nil {
		logger.WarnContext(ctx, "conversation unavailable", "error", err, "error_kind", apperrors.Kind(err))
		return
	}
	if _, err := f.Chats.PostSystemMessage(ctx, conv.ID, sender, text); err != nil {
		logger.WarnContext(ctx, "announcement not posted", "conversation_id", conv.ID, "error", err, "error_kind", apperrors.Kind(err))
	}
}

func seatsLabel(n int) string {
	if n == 1 {
		return "1 seat"
	}
	return fmt.Sprintf("%d seats", n)
}

func describe(r models.Ride) string {
	return fmt.Sprintf("%s to %s at %s", r.From.Name, r.To.Name, r.DepartureTime.Format("Mon 2 Jan 15:04"))
}

// OfferRide publishes a ride for a verified driver.
func (f *Facade) OfferRide(ctx context.Context, p catalog.CreateRideParams) (models.Ride, error) {
	return f.Rides.CreateRide(ctx, p)
}

// RequestRide submits a join request and opens the rider's conversation with
// the driver.
func (f *Facade) RequestRide(ctx context.Context, rideID, riderID string, seats int) (models.RideRequest, error) {
	req, err := f.Requests.SubmitRequest(ctx, rideID, riderID, seats)
	if err != nil {
		return models.RideRequest{}, err
	}
	if ride, gerr := f.Rides.Get(ctx, rideID); gerr == nil {
		f.announce(ctx, "RequestRide", riderID, ride.DriverID,
			fmt.Sprintf("Requested %s on %s", seatsLabel(seats), describe(ride)))
	}
	return req, nil
}

// RespondToRequest records the driver's decision and tells the rider.
func (f *Facade) RespondToRequest(ctx context.Context, requestID, driverID string, accept bool) (models.RideRequest, error) {
	req, err := f.Requests.Decide(ctx, requestID, driverID, accept)
	if err != nil {
		return models.RideRequest{}, err
	}
	verdict := "declined"
	if accept {
		verdict = "accepted"
	}
	if ride, gerr := f.Rides.Get(ctx, req.RideID); gerr == nil {
		f.announce(ctx, "RespondToRequest", driverID, req.RiderID,
			fmt.Sprintf("Your request for %s on %s was %s", seatsLabel(req.SeatsRequested), describe(ride), verdict))
	}
	return req, nil
}

// WithdrawRequest lets the rider back out and tells the driver.
func (f *Facade) WithdrawRequest(ctx context.Context, requestID, riderID string) (models.RideRequest, error) {
	req, err := f.Requests.Withdraw(ctx, requestID, riderID)
	if err != nil {
		return models.RideRequest{}, err
	}
	if ride, gerr := f.Rides.Get(ctx, req.RideID); gerr == nil {
		f.announce(ctx, "WithdrawRequest", riderID, ride.DriverID,
			fmt.Sprintf("Withdrew the request for %s on %s", seatsLabel(req.SeatsRequested), describe(ride)))
	}
	return req, nil
}

// AdvanceRide moves the driver's ride to next. Riders with live requests are
// told when the ride is cancelled, from the catalog cancel hook.
func (f *Facade) AdvanceRide(ctx context.Context, rideID, driverID string, next models.RideStatus) (models.Ride, error) {
	current, err := f.Rides.Get(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if current.DriverID != driverID {
		return models.Ride{}, fmt.Errorf("ride %s belongs to another driver: %w", rideID, apperrors.ErrForbidden)
	}

	return f.Rides.AdvanceStatus(ctx, rideID, next)
}

func (f *Facade) SearchRides(ctx context.Context, q catalog.RideQuery) []models.Ride {
	return f.Rides.Search(ctx, q)
}

// SuggestQuery asks for joinable rides close to a pickup point. Place
// optionally filters by origin or destination name.
type SuggestQuery struct {
	RiderID string
	Pickup  models.Coord
	Place   string
	Window  catalog.Window
	Seats   int
	Limit   int
}

type Suggestion struct {
	Ride        models.Ride `json:"ride"`
	WalkSeconds float64     `json:"walk_seconds"`
	Cost        float64     `json:"cost"`
}

// Suggest ranks joinable rides by walking time to the ride's origin plus a
// weighted price. Lower cost ranks first.
func (f *Facade) Suggest(ctx context.Context, q SuggestQuery) []Suggestion {
	if q.Limit <= 0 {
		q.Limit = DefaultSuggestions
	}
	if q.Seats <= 0 {
		q.Seats = 1
	}
	cands := f.Rides.Search(ctx, catalog.RideQuery{Text: q.Place, Window: q.Window, JoinableOnly: true})

	scored := make([]Suggestion, 0, len(cands))
	for _, r := range cands {
		if r.DriverID == q.RiderID || r.AvailableSeats < q.Seats {
			continue
		}
		walk := eta.EstimateSeconds(q.Pickup, r.From.Coordinate, f.walkSpeedMps)
		cost := walk + f.priceWeight*r.PricePerSeat
		scored = append(scored, Suggestion{Ride: r, WalkSeconds: walk, Cost: cost})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Cost != scored[j].Cost {
			return scored[i].Cost < scored[j].Cost
		}
		return scored[i].Ride.DepartureTime.Before(scored[j].Ride.DepartureTime)
	})
	if len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}
	return scored
}

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

type RideView struct {
	Ride      models.Ride `json:"ride"`
	Role      Role        `json:"role"`
	RequestID string      `json:"request_id,omitempty"`
}

type MyRides struct {
	Upcoming []RideView `json:"upcoming"`
	Past     []RideView `json:"past"`
}

// MyRides lists the rides userID drives or has an accepted seat on, split
// into upcoming and past.
func (f *Facade) MyRides(ctx context.Context, userID string) (MyRides, error) {
	if _, err := f.Users.Get(ctx, userID); err != nil {
		return MyRides{}, err
	}
	views := make([]RideView, 0)
	for _, r := range f.Rides.ListByDriver(ctx, userID) {
		views = append(views, RideView{Ride: r, Role: RoleDriver})
	}
	for _, req := range f.Requests.ListByRider(ctx, userID) {
		if req.Status != models.RequestAccepted {
			continue
		}
		r, err := f.Rides.Get(ctx, req.RideID)
		if err != nil {
			continue
		}
		views = append(views, RideView{Ride: r, Role: RoleRider, RequestID: req.ID})
	}

	now := f.now()
	out := MyRides{Upcoming: []RideView{}, Past: []RideView{}}
	for _, v := range views {
		if v.Ride.Status == models.RideInProgress || v.Ride.Joinable(now) {
			out.Upcoming = append(out.Upcoming, v)
		} else {
			out.Past = append(out.Past, v)
		}
	}
	sort.SliceStable(out.Upcoming, func(i, j int) bool {
		return out.Upcoming[i].Ride.DepartureTime.Before(out.Upcoming[j].Ride.DepartureTime)
	})
	sort.SliceStable(out.Past, func(i, j int) bool {
		return out.Past[i].Ride.DepartureTime.After(out.Past[j].Ride.DepartureTime)
	})
	return out, nil
}
