// Package catalog stores ride offers and their seat inventory.
//
// Every ride lives in its own slot guarded by its own mutex, so seat and
// status mutations are serialised per ride while different rides never
// contend. Seats are taken through holds keyed by the ride request that owns
// them, which is what lets a second release of the same seats be detected.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/example/campus-share/internal/errors"
	"github.com/example/campus-share/internal/eta"
	"github.com/example/campus-share/internal/events"
	"github.com/example/campus-share/internal/identity"
	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/models"
	"github.com/example/campus-share/internal/observability"
)

// CancelHook runs after a ride has been cancelled and its lock released.
// voided lists the holds that the cancellation returned to inventory.
type CancelHook func(ctx context.Context, ride models.Ride, voided []string)

type rideSlot struct {
	mu   sync.Mutex
	ride models.Ride
	// holds maps a hold id to the seats it took.
	holds map[string]int
	// voided holds were returned to inventory by a cancellation and are
	// acknowledged by exactly one later release.
	voided map[string]int
}

type Catalog struct {
	rides sync.Map // ride id -> *rideSlot

	users    identity.Lookup
	now      func() time.Time
	newID    func() string
	speedMps float64
	emitter  events.Emitter
	logger   *slog.Logger

	hookMu sync.RWMutex
	hooks  []CancelHook
}

type Option func(*Catalog)

func WithClock(now func() time.Time) Option { return func(c *Catalog) { c.now = now } }
func WithIDs(newID func() string) Option    { return func(c *Catalog) { c.newID = newID } }
func WithEmitter(e events.Emitter) Option   { return func(c *Catalog) { c.emitter = e } }
func WithLogger(logger *slog.Logger) Option { return func(c *Catalog) { c.logger = logger } }

// WithSpeed sets the average speed used for arrival estimates.
func WithSpeed(mps float64) Option { return func(c *Catalog) { c.speedMps = mps } }

func New(users identity.Lookup, opts ...Option) *Catalog {
	c := &Catalog{
		users:   users,
		now:     time.Now,
		newID:   uuid.NewString,
		emitter: events.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnCancel registers a hook run after every cancellation.
func (c *Catalog) OnCancel(h CancelHook) {
	c.hookMu.Lock()
	c.hooks = append(c.hooks, h)
	c.hookMu.Unlock()
}

type CreateRideParams struct {
	DriverID      string
	From          models.Location
	To            models.Location
	DepartureTime time.Time
	TotalSeats    int
	PricePerSeat  float64
	Notes         string
}

func (p CreateRideParams) validate(now time.Time) error {
	v := &apperrors.ValidationError{}
	if strings.TrimSpace(p.From.Name) == "" {
		v.Add("from", "origin is required")
	}
	if strings.TrimSpace(p.To.Name) == "" {
		v.Add("to", "destination is required")
	}
	if p.From.Name != "" && strings.EqualFold(strings.TrimSpace(p.From.Name), strings.TrimSpace(p.To.Name)) {
		v.Add("to", "destination must differ from origin")
	}
	if !p.DepartureTime.After(now) {
		v.Add("departure_time", "departure must be in the future")
	}
	if p.TotalSeats < 1 {
		v.Add("total_seats", "at least one seat is required")
	}
	if p.PricePerSeat < 0 {
		v.Add("price_per_seat", "price cannot be negative")
	}
	return v.OrNil()
}

// CreateRide publishes a new Scheduled ride with all seats available.
func (c *Catalog) CreateRide(ctx context.Context, p CreateRideParams) (ride models.Ride, err error) {
	logger := logging.Component(ctx, c.logger, "catalog", "CreateRide", "driver_id", p.DriverID)
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "ride rejected", "error", err, "error_kind", apperrors.Kind(err))
			return
		}
		logger.InfoContext(ctx, "ride created", "ride_id", ride.ID, "seats", ride.TotalSeats)
	}()

	if _, err = identity.RequireVerified(ctx, c.users, p.DriverID); err != nil {
		return models.Ride{}, err
	}
	now := c.now()
	if err = p.validate(now); err != nil {
		return models.Ride{}, err
	}

	p.From.Name = strings.TrimSpace(p.From.Name)
	p.To.Name = strings.TrimSpace(p.To.Name)
	ride = models.Ride{
		ID:               c.newID(),
		DriverID:         p.DriverID,
		From:             p.From,
		To:               p.To,
		DepartureTime:    p.DepartureTime,
		EstimatedArrival: eta.Arrival(p.DepartureTime, p.From.Coordinate, p.To.Coordinate, c.speedMps),
		TotalSeats:       p.TotalSeats,
		AvailableSeats:   p.TotalSeats,
		PricePerSeat:     p.PricePerSeat,
		Notes:            strings.TrimSpace(p.Notes),
		Status:           models.RideScheduled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	c.rides.Store(ride.ID, &rideSlot{
		ride:   ride,
		holds:  make(map[string]int),
		voided: make(map[string]int),
	})
	observability.RidesCreated.Inc()
	c.emit(ctx, ride, now)
	return ride, nil
}

func (c *Catalog) slot(rideID string) (*rideSlot, error) {
	v, ok := c.rides.Load(rideID)
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", rideID, apperrors.ErrNotFound)
	}
	return v.(*rideSlot), nil
}

func (c *Catalog) Get(_ context.Context, rideID string) (models.Ride, error) {
	s, err := c.slot(rideID)
	if err != nil {
		return models.Ride{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ride, nil
}

// ReserveSeats atomically takes count seats for holdID.
func (c *Catalog) ReserveSeats(ctx context.Context, rideID, holdID string, count int) error {
	if count < 1 {
		return apperrors.Invalid("seats", "must reserve at least one seat")
	}
	s, err := c.slot(rideID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = s.reserve(holdID, count, c.now())
	s.mu.Unlock()

	c.recordSeatOp(ctx, "reserve", rideID, holdID, count, err)
	return err
}

// reserve refuses rides that are no longer Scheduled with RideNotJoinable,
// the same kind a request against a departed ride gets.
func (s *rideSlot) reserve(holdID string, count int, now time.Time) error {
	if s.ride.Status != models.RideScheduled {
		return fmt.Errorf("ride %s is %s: %w", s.ride.ID, s.ride.Status, apperrors.ErrRideNotJoinable)
	}
	if _, exists := s.holds[holdID]; exists {
		return apperrors.Invariant("hold %s already reserved on ride %s", holdID, s.ride.ID)
	}
	if count > s.ride.AvailableSeats {
		return fmt.Errorf("ride %s has %d of %d requested seats: %w",
			s.ride.ID, s.ride.AvailableSeats, count, apperrors.ErrInsufficientSeats)
	}
	s.holds[holdID] = count
	s.ride.AvailableSeats -= count
	s.ride.UpdatedAt = now
	return nil
}

// ReleaseSeats returns the seats held by holdID to inventory whatever the
// ride status. count must match the hold. A hold voided by cancellation is acknowledged once without
// changing the seat count.
func (c *Catalog) ReleaseSeats(ctx context.Context, rideID, holdID string, count int) error {
	s, err := c.slot(rideID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = s.release(holdID, count, c.now())
	s.mu.Unlock()

	c.recordSeatOp(ctx, "release", rideID, holdID, count, err)
	return err
}

func (s *rideSlot) release(holdID string, count int, now time.Time) error {
	if held, ok := s.voided[holdID]; ok {
		if held != count {
			return apperrors.Invariant("release of %d seats for voided hold %s holding %d", count, holdID, held)
		}
		delete(s.voided, holdID)
		return nil
	}
	held, ok := s.holds[holdID]
	if !ok {
		return apperrors.Invariant("hold %s on ride %s is not held (double release?)", holdID, s.ride.ID)
	}
	if held != count {
		return apperrors.Invariant("release of %d seats for hold %s holding %d", count, holdID, held)
	}
	if s.ride.AvailableSeats+count > s.ride.TotalSeats {
		return apperrors.Invariant("release would raise ride %s to %d of %d seats",
			s.ride.ID, s.ride.AvailableSeats+count, s.ride.TotalSeats)
	}
	delete(s.holds, holdID)
	s.ride.AvailableSeats += count
	s.ride.UpdatedAt = now
	return nil
}

func (c *Catalog) recordSeatOp(ctx context.Context, op, rideID, holdID string, count int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperrors.Kind(err)
	}
	observability.SeatOperations.WithLabelValues(op, outcome).Inc()
	if outcome == "invariant_violation" {
		observability.InvariantViolations.Inc()
		logging.Component(ctx, c.logger, "catalog", op+"Seats", "ride_id", rideID, "hold_id", holdID).
			ErrorContext(ctx, "seat invariant violated", "error", err, "seats", count)
	}
}

// AdvanceStatus moves the ride through its state machine. Cancelling
// returns every held seat to inventory in the same step and then runs the
// cancel hooks.
func (c *Catalog) AdvanceStatus(ctx context.Context, rideID string, next models.RideStatus) (models.Ride, error) {
	s, err := c.slot(rideID)
	if err != nil {
		return models.Ride{}, err
	}
	logger := logging.Component(ctx, c.logger, "catalog", "AdvanceStatus", "ride_id", rideID, "status", next)

	now := c.now()
	s.mu.Lock()
	prev := s.ride.Status
	if !prev.CanAdvanceTo(next) {
		s.mu.Unlock()
		err = fmt.Errorf("ride %s: %s -> %s: %w", rideID, prev, next, apperrors.ErrIllegalTransition)
		logger.WarnContext(ctx, "transition rejected", "error", err, "from", prev)
		return models.Ride{}, err
	}
	s.ride.Status = next
	s.ride.UpdatedAt = now
	var voided []string
	if next == models.RideCancelled {
		for id, n := range s.holds {
			s.voided[id] = n
			voided = append(voided, id)
		}
		s.holds = make(map[string]int)
		s.ride.AvailableSeats = s.ride.TotalSeats
	}
	ride := s.ride
	s.mu.Unlock()

	observability.RideTransitions.WithLabelValues(string(next)).Inc()
	logger.InfoContext(ctx, "ride status advanced", "from", prev, "voided_holds", len(voided))
	c.emit(ctx, ride, now)

	if next == models.RideCancelled {
		sort.Strings(voided)
		c.hookMu.RLock()
		hooks := make([]CancelHook, len(c.hooks))
		copy(hooks, c.hooks)
		c.hookMu.RUnlock()
		for _, h := range hooks {
			h(ctx, ride, voided)
		}
	}
	return ride, nil
}

func (c *Catalog) emit(ctx context.Context, ride models.Ride, at time.Time) {
	c.emitter.Emit(ctx, models.Event{
		EntityType: models.EntityRide,
		EntityID:   ride.ID,
		NewStatus:  string(ride.Status),
		Timestamp:  at,
		Audience:   []string{ride.DriverID},
	})
}

// snapshot copies every ride. Each ride is read under its own lock.
func (c *Catalog) snapshot(keep func(models.Ride) bool) []models.Ride {
	var out []models.Ride
	c.rides.Range(func(_, v any) bool {
		s := v.(*rideSlot)
		s.mu.Lock()
		r := s.ride
		s.mu.Unlock()
		if keep == nil || keep(r) {
			out = append(out, r)
		}
		return true
	})
	return out
}

// ListByDriver returns the driver's rides ordered by departure.
func (c *Catalog) ListByDriver(_ context.Context, driverID string) []models.Ride {
	rides := c.snapshot(func(r models.Ride) bool { return r.DriverID == driverID })
	sortRides(rides, SortDeparture)
	return rides
}
