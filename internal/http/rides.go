package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/campus-share/internal/catalog"
	apperrors "github.com/example/campus-share/internal/errors"
	"github.com/example/campus-share/internal/matcher"
	"github.com/example/campus-share/internal/models"
)

type createRideRequest struct {
	FromID        string    `json:"from_id" validate:"required"`
	ToID          string    `json:"to_id" validate:"required,nefield=FromID"`
	DepartureTime time.Time `json:"departure_time" validate:"required"`
	TotalSeats    int       `json:"total_seats" validate:"required,min=1,max=8"`
	PricePerSeat  float64   `json:"price_per_seat" validate:"min=0"`
	Notes         string    `json:"notes" validate:"max=500"`
}

func (s *Server) location(field, id string) (models.Location, error) {
	loc, ok := s.places.Get(id)
	if !ok {
		return models.Location{}, apperrors.Invalid(field, "unknown location "+id)
	}
	return loc, nil
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := s.location("from_id", req.FromID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := s.location("to_id", req.ToID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.core.OfferRide(r.Context(), catalog.CreateRideParams{
		DriverID:      userIDFromContext(r.Context()),
		From:          from,
		To:            to,
		DepartureTime: req.DepartureTime,
		TotalSeats:    req.TotalSeats,
		PricePerSeat:  req.PricePerSeat,
		Notes:         strings.TrimSpace(req.Notes),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func parseRideQuery(r *http.Request) (catalog.RideQuery, error) {
	q := r.URL.Query()
	out := catalog.RideQuery{Text: q.Get("q"), DriverID: q.Get("driver_id")}

	w, ok := catalog.ParseWindow(q.Get("window"))
	if !ok {
		return out, apperrors.Invalid("window", "must be one of today tomorrow week")
	}
	out.Window = w

	switch sortBy := catalog.SortOrder(q.Get("sort")); sortBy {
	case "", catalog.SortDeparture, catalog.SortPrice:
		out.Sort = sortBy
	default:
		return out, apperrors.Invalid("sort", "must be departure or price")
	}

	if v := q.Get("joinable"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return out, apperrors.Invalid("joinable", "must be true or false")
		}
		out.JoinableOnly = b
	}

	limit, err := queryInt(r, "limit", 50, 1, 200)
	if err != nil {
		return out, err
	}
	out.Limit = limit
	return out, nil
}

func (s *Server) handleSearchRides(w http.ResponseWriter, r *http.Request) {
	q, err := parseRideQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.core.SearchRides(r.Context(), q))
}

// handleSuggest ranks rides for a pickup given either as pickup_id or as a
// lat/lon pair.
func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := matcher.SuggestQuery{RiderID: userIDFromContext(r.Context()), Place: r.URL.Query().Get("q")}

	if id := r.URL.Query().Get("pickup_id"); id != "" {
		loc, err := s.location("pickup_id", id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		q.Pickup = loc.Coordinate
	} else {
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
		if !hasLat || !hasLon {
			s.writeError(w, r, apperrors.Invalid("pickup_id", "pickup_id or lat and lon are required"))
			return
		}
		q.Pickup = models.Coord{Lat: lat, Lon: lon}
	}

	win, ok := catalog.ParseWindow(r.URL.Query().Get("window"))
	if !ok {
		s.writeError(w, r, apperrors.Invalid("window", "must be one of today tomorrow week"))
		return
	}
	q.Window = win

	var err error
	if q.Seats, err = queryInt(r, "seats", 1, 1, 8); err != nil {
		s.writeError(w, r, err)
		return
	}
	if q.Limit, err = queryInt(r, "limit", matcher.DefaultSuggestions, 1, 50); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.core.Suggest(r.Context(), q))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.core.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=InProgress Completed Cancelled"`
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.core.AdvanceRide(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), models.RideStatus(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type joinRequest struct {
	Seats int `json:"seats" validate:"required,min=1"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.core.RequestRide(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), req.Seats)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListRideRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.core.Requests.ListByRide(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=accept reject"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.core.RespondToRequest(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), req.Decision == "accept")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	out, err := s.core.WithdrawRequest(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMyRides(w http.ResponseWriter, r *http.Request) {
	out, err := s.core.MyRides(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Requests.ListByRider(r.Context(), userIDFromContext(r.Context())))
}
