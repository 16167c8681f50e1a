// Package identity holds the verified user records every other component
// refers to.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apperrors "github.com/example/campus-share/internal/errors"
	"github.com/example/campus-share/internal/events"
	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/models"
)

// Lookup is the read side other components depend on.
type Lookup interface {
	Get(ctx context.Context, userID string) (models.User, error)
}

type userSlot struct {
	mu   sync.Mutex
	user models.User
}

// Store keeps one slot per user. Email uniqueness is enforced with an atomic
// load-or-store on the email index.
type Store struct {
	users   sync.Map // id -> *userSlot
	byEmail sync.Map // normalised email -> id

	validate *validator.Validate
	now      func() time.Time
	newID    func() string
	emitter  events.Emitter
	logger   *slog.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }
func WithIDs(newID func() string) Option    { return func(s *Store) { s.newID = newID } }
func WithEmitter(e events.Emitter) Option   { return func(s *Store) { s.emitter = e } }
func WithLogger(logger *slog.Logger) Option { return func(s *Store) { s.logger = logger } }

func NewStore(opts ...Option) *Store {
	s := &Store{
		validate: validator.New(),
		now:      time.Now,
		newID:    uuid.NewString,
		emitter:  events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an unverified user. The email must be unique.
func (s *Store) Register(ctx context.Context, email, displayName string) (user models.User, err error) {
	email = normalizeEmail(email)
	displayName = strings.TrimSpace(displayName)
	logger := logging.Component(ctx, s.logger, "identity", "Register", "email", email)
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "registration rejected", "error", err, "error_kind", apperrors.Kind(err))
			return
		}
		logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	}()

	vErr := &apperrors.ValidationError{}
	if verr := s.validate.Var(email, "required,email"); verr != nil {
		vErr.Add("email", "a valid email address is required")
	}
	if displayName == "" {
		vErr.Add("display_name", "display name is required")
	}
	if err = vErr.OrNil(); err != nil {
		return models.User{}, err
	}

	user = models.User{
		ID:          s.newID(),
		DisplayName: displayName,
		Email:       email,
		CreatedAt:   s.now(),
	}
	s.users.Store(user.ID, &userSlot{user: user})
	if _, loaded := s.byEmail.LoadOrStore(email, user.ID); loaded {
		s.users.Delete(user.ID)
		return models.User{}, fmt.Errorf("email %s: %w", email, apperrors.ErrDuplicateIdentity)
	}

	s.emitter.Emit(ctx, models.Event{
		EntityType: models.EntityUser,
		EntityID:   user.ID,
		NewStatus:  "registered",
		Timestamp:  user.CreatedAt,
		Audience:   []string{user.ID},
	})
	return user, nil
}

func (s *Store) slot(userID string) (*userSlot, error) {
	v, ok := s.users.Load(userID)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, apperrors.ErrNotFound)
	}
	return v.(*userSlot), nil
}

func (s *Store) Get(_ context.Context, userID string) (models.User, error) {
	slot, err := s.slot(userID)
	if err != nil {
		return models.User{}, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.user, nil
}

// GetByEmail finds a user by email, as used at sign-in.
func (s *Store) GetByEmail(ctx context.Context, email string) (models.User, error) {
	id, ok := s.byEmail.Load(normalizeEmail(email))
	if !ok {
		return models.User{}, fmt.Errorf("email %s: %w", email, apperrors.ErrNotFound)
	}
	return s.Get(ctx, id.(string))
}

// SetVerified flips the verified flag, the only field mutable after creation.
func (s *Store) SetVerified(ctx context.Context, userID string, verified bool) (models.User, error) {
	slot, err := s.slot(userID)
	if err != nil {
		return models.User{}, err
	}
	slot.mu.Lock()
	changed := slot.user.Verified != verified
	slot.user.Verified = verified
	user := slot.user
	slot.mu.Unlock()

	if changed {
		status := "verified"
		if !verified {
			status = "unverified"
		}
		s.emitter.Emit(ctx, models.Event{
			EntityType: models.EntityUser,
			EntityID:   userID,
			NewStatus:  status,
			Timestamp:  s.now(),
			Audience:   []string{userID},
		})
		logging.Component(ctx, s.logger, "identity", "SetVerified", "user_id", userID).InfoContext(ctx, "verification changed", "verified", verified)
	}
	return user, nil
}

// RequireVerified loads userID and fails unless the user is verified.
func RequireVerified(ctx context.Context, users Lookup, userID string) (models.User, error) {
	u, err := users.Get(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	if !u.Verified {
		return models.User{}, fmt.Errorf("user %s: %w", userID, apperrors.ErrUnverified)
	}
	return u, nil
}
