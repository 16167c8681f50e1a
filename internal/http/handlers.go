package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-share/internal/auth"
	"github.com/example/campus-share/internal/dispatch"
	apperrors "github.com/example/campus-share/internal/errors"
	"github.com/example/campus-share/internal/geo"
	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/matcher"
	"github.com/example/campus-share/internal/models"
	"github.com/example/campus-share/internal/storage"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators the transport drives.
type Deps struct {
	Core    *matcher.Facade
	Places  *geo.Index
	Tokens  *auth.Manager
	WS      *dispatch.WSRegistry
	// Journal backs the activity feed. Nil disables the endpoint.
	Journal storage.Journal
	Logger  *slog.Logger

	// RateLimitRPS <= 0 disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustProxy keys clients by X-Forwarded-For. Enable it only behind a
	// proxy that overwrites the header.
	TrustProxy bool
}

type Server struct {
	core     *matcher.Facade
	places   *geo.Index
	tokens   *auth.Manager
	ws       *dispatch.WSRegistry
	journal  storage.Journal
	logger   *slog.Logger
	validate *validator.Validate
	limiter  *clientLimiter
	mux      *mux.Router

	trustProxy bool
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	s := &Server{
		core:     d.Core,
		places:   d.Places,
		tokens:   d.Tokens,
		ws:       d.WS,
		journal:  d.Journal,
		logger:   logger,
		validate: v,
		limiter:  newClientLimiter(d.RateLimitRPS, d.RateLimitBurst),
		mux:      mux.NewRouter(),

		trustProxy: d.TrustProxy,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/locations", s.handleLocations).Methods("GET")

	priv := api.NewRoute().Subrouter()
	priv.Use(s.authMiddleware)
	priv.HandleFunc("/auth/verify", s.handleVerify).Methods("POST")
	priv.HandleFunc("/users/me", s.handleMe).Methods("GET")

	priv.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	priv.HandleFunc("/rides", s.handleSearchRides).Methods("GET")
	priv.HandleFunc("/rides/suggest", s.handleSuggest).Methods("GET")
	priv.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	priv.HandleFunc("/rides/{id}/status", s.handleRideStatus).Methods("POST")
	priv.HandleFunc("/rides/{id}/requests", s.handleRequestRide).Methods("POST")
	priv.HandleFunc("/rides/{id}/requests", s.handleListRideRequests).Methods("GET")
	priv.HandleFunc("/requests/{id}/decision", s.handleDecision).Methods("POST")
	priv.HandleFunc("/requests/{id}/withdraw", s.handleWithdraw).Methods("POST")
	priv.HandleFunc("/me/rides", s.handleMyRides).Methods("GET")
	priv.HandleFunc("/me/requests", s.handleMyRequests).Methods("GET")
	if s.journal != nil {
		priv.HandleFunc("/me/events", s.handleMyEvents).Methods("GET")
	}

	priv.HandleFunc("/conversations", s.handleInbox).Methods("GET")
	priv.HandleFunc("/conversations", s.handleEnsureConversation).Methods("POST")
	priv.HandleFunc("/conversations/{id}/messages", s.handleMessages).Methods("GET")
	priv.HandleFunc("/conversations/{id}/messages", s.handlePostMessage).Methods("POST")
	priv.HandleFunc("/conversations/{id}/read", s.handleMarkRead).Methods("POST")
	priv.HandleFunc("/conversations/{id}/archive", s.handleArchive).Methods("POST")

	if s.ws != nil {
		s.mux.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWS))).Methods("GET")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.StatusCode(err)
	logger := logging.FromContext(r.Context())
	if logger == nil {
		logger = s.logger
	}
	if status >= 500 {
		logger.ErrorContext(r.Context(), "request failed", "error", err, "error_kind", apperrors.Kind(err), "path", r.URL.Path)
	} else {
		logger.DebugContext(r.Context(), "request rejected", "error", err, "error_kind", apperrors.Kind(err), "path", r.URL.Path)
	}
	writeJSON(w, status, apperrors.ToAPI(err))
}

// decode reads a JSON body into dst and runs its validation tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Invalid("body", "malformed JSON: "+err.Error())
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			v := &apperrors.ValidationError{}
			for _, fe := range fieldErrs {
				v.Add(fe.Field(), describe(fe))
			}
			return v
		}
		return err
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "nefield":
		return "must differ from " + fe.Param()
	}
	return "failed " + fe.Tag() + " check"
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return 0, apperrors.Invalid(key, fmt.Sprintf("must be an integer between %d and %d", min, max))
	}
	return n, nil
}

func queryFloat(r *http.Request, key string) (float64, bool, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, apperrors.Invalid(key, "must be a number")
	}
	return f, true, nil
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name" validate:"required,max=80"`
}

type sessionResponse struct {
	User      models.User `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.core.Users.Register(r.Context(), req.Email, req.DisplayName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, exp, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{User: user, Token: token, ExpiresAt: exp})
}

type verifyRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// handleVerify stands in for email verification: any six digit code
// verifies the caller.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.core.Users.SetVerified(r.Context(), userIDFromContext(r.Context()), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.core.Users.Get(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	lat, hasLat, err := queryFloat(r, "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, hasLon, err := queryFloat(r, "lon")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 10, 1, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case hasLat && hasLon:
		writeJSON(w, http.StatusOK, s.places.Nearby(lat, lon, limit))
	case hasLat != hasLon:
		s.writeError(w, r, apperrors.Invalid("lat", "lat and lon must be given together"))
	case r.URL.Query().Get("q") != "":
		writeJSON(w, http.StatusOK, s.places.Search(r.URL.Query().Get("q")))
	default:
		writeJSON(w, http.StatusOK, s.places.All())
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := dispatch.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		return
	}
	s.ws.Serve(r.Context(), userIDFromContext(r.Context()), conn)
}

// handleMyEvents replays the journal entries addressed to the caller so a
// client that was offline can catch up.
func (s *Server) handleMyEvents(w http.ResponseWriter, r *http.Request) {
	f := storage.Filter{
		Recipient:  userIDFromContext(r.Context()),
		EntityType: models.EntityType(r.URL.Query().Get("entity_type")),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, apperrors.Invalid("since", "must be an RFC 3339 timestamp"))
			return
		}
		f.Since = since
	}
	limit, err := queryInt(r, "limit", 100, 1, 500)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit
	evs, err := s.journal.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}
