// Package ledger manages ride-join requests and their accept, reject and
// withdraw lifecycle against the catalog's seat inventory.
//
// Locks are taken in the order ride index, request slot, ride slot (inside
// the catalog). No lock is taken against that order.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/example/campus-share/internal/errors"
	"github.com/example/campus-share/internal/events"
	"github.com/example/campus-share/internal/identity"
	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/models"
	"github.com/example/campus-share/internal/observability"
)

// Seats is the part of the catalog the ledger drives.
type Seats interface {
	Get(ctx context.Context, rideID string) (models.Ride, error)
	ReserveSeats(ctx context.Context, rideID, holdID string, count int) error
	ReleaseSeats(ctx context.Context, rideID, holdID string, count int) error
}

type requestSlot struct {
	mu  sync.Mutex
	req models.RideRequest
}

// rideIndex lists the requests of one ride. closed is set once the ride is
// cancelled so no request can slip in behind the cascade.
type rideIndex struct {
	mu     sync.Mutex
	ids    []string
	closed bool
}

type riderIndex struct {
	mu  sync.Mutex
	ids []string
}

type Ledger struct {
	seats Seats
	users identity.Lookup

	requests sync.Map // request id -> *requestSlot
	byRide   sync.Map // ride id -> *rideIndex
	byRider  sync.Map // rider id -> *riderIndex

	now     func() time.Time
	newID   func() string
	emitter events.Emitter
	logger  *slog.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }
func WithIDs(newID func() string) Option    { return func(l *Ledger) { l.newID = newID } }
func WithEmitter(e events.Emitter) Option   { return func(l *Ledger) { l.emitter = e } }
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

func New(seats Seats, users identity.Lookup, opts ...Option) *Ledger {
	l := &Ledger{
		seats:   seats,
		users:   users,
		now:     time.Now,
		newID:   uuid.NewString,
		emitter: events.Nop{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) rideIndex(rideID string) *rideIndex {
	v, _ := l.byRide.LoadOrStore(rideID, &rideIndex{})
	return v.(*rideIndex)
}

func (l *Ledger) riderIndex(riderID string) *riderIndex {
	v, _ := l.byRider.LoadOrStore(riderID, &riderIndex{})
	return v.(*riderIndex)
}

func (l *Ledger) slot(requestID string) (*requestSlot, error) {
	v, ok := l.requests.Load(requestID)
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, apperrors.ErrNotFound)
	}
	return v.(*requestSlot), nil
}

// SubmitRequest records a Pending request. No seats are reserved until the
// driver accepts.
func (l *Ledger) SubmitRequest(ctx context.Context, rideID, riderID string, seats int) (req models.RideRequest, err error) {
	logger := logging.Component(ctx, l.logger, "ledger", "SubmitRequest", "ride_id", rideID, "rider_id", riderID)
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "request rejected", "error", err, "error_kind", apperrors.Kind(err))
			return
		}
		logger.InfoContext(ctx, "request submitted", "request_id", req.ID, "seats", seats)
	}()

	if seats < 1 {
		return models.RideRequest{}, apperrors.Invalid("seats", "at least one seat must be requested")
	}
	if _, err = identity.RequireVerified(ctx, l.users, riderID); err != nil {
		return models.RideRequest{}, err
	}
	ride, err := l.seats.Get(ctx, rideID)
	if err != nil {
		return models.RideRequest{}, err
	}
	if ride.DriverID == riderID {
		return models.RideRequest{}, fmt.Errorf("ride %s: %w", rideID, apperrors.ErrSelfRequest)
	}
	now := l.now()
	if !ride.Joinable(now) {
		return models.RideRequest{}, fmt.Errorf("ride %s is %s departing %s: %w",
			rideID, ride.Status, ride.DepartureTime.Format(time.RFC3339), apperrors.ErrRideNotJoinable)
	}
	if seats > ride.TotalSeats {
		return models.RideRequest{}, apperrors.Invalid("seats", fmt.Sprintf("ride offers only %d seats", ride.TotalSeats))
	}

	req = models.RideRequest{
		ID:             l.newID(),
		RideID:         rideID,
		RiderID:        riderID,
		SeatsRequested: seats,
		Status:         models.RequestPending,
		CreatedAt:      now,
	}

	idx := l.rideIndex(rideID)
	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return models.RideRequest{}, fmt.Errorf("ride %s was cancelled: %w", rideID, apperrors.ErrRideNotJoinable)
	}
	for _, id := range idx.ids {
		other, gerr := l.Get(ctx, id)
		if gerr != nil {
			continue
		}
		if other.RiderID == riderID && other.Status.Live() {
			idx.mu.Unlock()
			return models.RideRequest{}, fmt.Errorf("request %s: %w", other.ID, apperrors.ErrDuplicateRequest)
		}
	}
	l.requests.Store(req.ID, &requestSlot{req: req})
	idx.ids = append(idx.ids, req.ID)
	idx.mu.Unlock()

	rider := l.riderIndex(riderID)
	rider.mu.Lock()
	rider.ids = append(rider.ids, req.ID)
	rider.mu.Unlock()

	l.record(ctx, req, ride.DriverID, now)
	return req, nil
}

// Decide accepts or rejects a Pending request on behalf of the ride's driver.
// An accept that finds too few seats fails with ErrInsufficientSeats and
// leaves the request Pending.
func (l *Ledger) Decide(ctx context.Context, requestID, driverID string, accept bool) (req models.RideRequest, err error) {
	logger := logging.Component(ctx, l.logger, "ledger", "Decide", "request_id", requestID, "driver_id", driverID, "accept", accept)
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "decision failed", "error", err, "error_kind", apperrors.Kind(err))
			return
		}
		logger.InfoContext(ctx, "request decided", "status", req.Status)
	}()

	s, err := l.slot(requestID)
	if err != nil {
		return models.RideRequest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ride, err := l.seats.Get(ctx, s.req.RideID)
	if err != nil {
		return models.RideRequest{}, err
	}
	if ride.DriverID != driverID {
		return models.RideRequest{}, fmt.Errorf("ride %s belongs to another driver: %w", ride.ID, apperrors.ErrForbidden)
	}
	if s.req.Status != models.RequestPending {
		return models.RideRequest{}, fmt.Errorf("request %s is %s: %w", requestID, s.req.Status, apperrors.ErrIllegalTransition)
	}

	next := models.RequestRejected
	if accept {
		if err = l.seats.ReserveSeats(ctx, ride.ID, requestID, s.req.SeatsRequested); err != nil {
			return models.RideRequest{}, err
		}
		next = models.RequestAccepted
	}
	now := l.now()
	s.req.Status = next
	s.req.DecidedAt = &now
	req = s.req

	l.record(ctx, req, ride.DriverID, now)
	return req, nil
}

// Withdraw lets the rider back out of a Pending or Accepted request. Seats of
// an Accepted request go back to the ride.
func (l *Ledger) Withdraw(ctx context.Context, requestID, riderID string) (req models.RideRequest, err error) {
	logger := logging.Component(ctx, l.logger, "ledger", "Withdraw", "request_id", requestID, "rider_id", riderID)
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "withdrawal failed", "error", err, "error_kind", apperrors.Kind(err))
			return
		}
		logger.InfoContext(ctx, "request withdrawn")
	}()

	s, err := l.slot(requestID)
	if err != nil {
		return models.RideRequest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.req.RiderID != riderID {
		return models.RideRequest{}, fmt.Errorf("request %s belongs to another rider: %w", requestID, apperrors.ErrForbidden)
	}
	switch s.req.Status {
	case models.RequestPending:
	case models.RequestAccepted:
		if err = l.seats.ReleaseSeats(ctx, s.req.RideID, requestID, s.req.SeatsRequested); err != nil {
			return models.RideRequest{}, err
		}
	default:
		return models.RideRequest{}, fmt.Errorf("request %s is %s: %w", requestID, s.req.Status, apperrors.ErrIllegalTransition)
	}

	now := l.now()
	s.req.Status = models.RequestWithdrawn
	s.req.DecidedAt = &now
	req = s.req

	driverID := ""
	if ride, gerr := l.seats.Get(ctx, req.RideID); gerr == nil {
		driverID = ride.DriverID
	}
	l.record(ctx, req, driverID, now)
	return req, nil
}

// RejectAllForRide runs from the catalog cancel hook: every Pending and
// Accepted request on the cancelled ride becomes Rejected and is returned.
// voided are the holds the catalog already returned to inventory; each is
// acknowledged once.
func (l *Ledger) RejectAllForRide(ctx context.Context, ride models.Ride, voided []string) []models.RideRequest {
	logger := logging.Component(ctx, l.logger, "ledger", "RejectAllForRide", "ride_id", ride.ID)

	idx := l.rideIndex(ride.ID)
	idx.mu.Lock()
	idx.closed = true
	ids := make([]string, len(idx.ids))
	copy(ids, idx.ids)
	idx.mu.Unlock()

	isVoided := make(map[string]bool, len(voided))
	for _, id := range voided {
		isVoided[id] = true
	}

	var rejected []models.RideRequest
	for _, id := range ids {
		s, err := l.slot(id)
		if err != nil {
			continue
		}
		s.mu.Lock()
		status := s.req.Status
		if !status.Live() {
			s.mu.Unlock()
			continue
		}
		if status == models.RequestAccepted {
			if err := l.seats.ReleaseSeats(ctx, ride.ID, id, s.req.SeatsRequested); err != nil {
				logger.ErrorContext(ctx, "voided hold not acknowledged", "request_id", id, "error", err, "error_kind", apperrors.Kind(err))
			}
			delete(isVoided, id)
		}
		now := l.now()
		s.req.Status = models.RequestRejected
		s.req.DecidedAt = &now
		req := s.req
		s.mu.Unlock()

		rejected = append(rejected, req)
		l.record(ctx, req, ride.DriverID, now)
	}
	for id := range isVoided {
		// a hold without an accepted request means a withdrawal raced the
		// cancellation and already acknowledged it, or the ledger lost track
		logger.DebugContext(ctx, "voided hold without live request", "request_id", id)
	}
	logger.InfoContext(ctx, "requests rejected by cancellation", "count", len(rejected))
	return rejected
}

func (l *Ledger) record(ctx context.Context, req models.RideRequest, driverID string, at time.Time) {
	observability.RequestTransitions.WithLabelValues(string(req.Status)).Inc()
	audience := []string{req.RiderID}
	if driverID != "" {
		audience = append(audience, driverID)
	}
	l.emitter.Emit(ctx, models.Event{
		EntityType: models.EntityRideRequest,
		EntityID:   req.ID,
		NewStatus:  string(req.Status),
		Timestamp:  at,
		Audience:   audience,
	})
}

func (l *Ledger) Get(_ context.Context, requestID string) (models.RideRequest, error) {
	s, err := l.slot(requestID)
	if err != nil {
		return models.RideRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req, nil
}

func (l *Ledger) collect(ctx context.Context, ids []string) []models.RideRequest {
	out := make([]models.RideRequest, 0, len(ids))
	for _, id := range ids {
		if r, err := l.Get(ctx, id); err == nil {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListByRide returns the ride's requests in submission order. Only the
// driver may list them.
func (l *Ledger) ListByRide(ctx context.Context, rideID, driverID string) ([]models.RideRequest, error) {
	ride, err := l.seats.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driverID {
		return nil, fmt.Errorf("ride %s belongs to another driver: %w", rideID, apperrors.ErrForbidden)
	}
	idx := l.rideIndex(rideID)
	idx.mu.Lock()
	ids := make([]string, len(idx.ids))
	copy(ids, idx.ids)
	idx.mu.Unlock()
	return l.collect(ctx, ids), nil
}

// ListByRider returns the rider's requests in submission order.
func (l *Ledger) ListByRider(ctx context.Context, riderID string) []models.RideRequest {
	idx := l.riderIndex(riderID)
	idx.mu.Lock()
	ids := make([]string, len(idx.ids))
	copy(ids, idx.ids)
	idx.mu.Unlock()
	return l.collect(ctx, ids)
}
