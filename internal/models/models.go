package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type LocationCategory string

const (
	CategoryUniversity LocationCategory = "university"
	CategoryMetro      LocationCategory = "metro"
	CategoryLandmark   LocationCategory = "landmark"
	CategoryMarket     LocationCategory = "market"
)

// Valid reports whether c is one of the known categories.
func (c LocationCategory) Valid() bool {
	switch c {
	case CategoryUniversity, CategoryMetro, CategoryLandmark, CategoryMarket:
		return true
	}
	return false
}

type Location struct {
	ID         string           `json:"id" yaml:"id"`
	Name       string           `json:"name" yaml:"name"`
	Coordinate Coord            `json:"coordinate" yaml:"coordinate"`
	Category   LocationCategory `json:"category" yaml:"category"`
}

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
}

type RideStatus string

const (
	RideScheduled  RideStatus = "Scheduled"
	RideInProgress RideStatus = "InProgress"
	RideCompleted  RideStatus = "Completed"
	RideCancelled  RideStatus = "Cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// CanAdvanceTo reports whether s -> next is a legal ride transition.
func (s RideStatus) CanAdvanceTo(next RideStatus) bool {
	switch s {
	case RideScheduled:
		return next == RideInProgress || next == RideCancelled
	case RideInProgress:
		return next == RideCompleted || next == RideCancelled
	}
	return false
}

type Ride struct {
	ID               string     `json:"id"`
	DriverID         string     `json:"driver_id"`
	From             Location   `json:"from"`
	To               Location   `json:"to"`
	DepartureTime    time.Time  `json:"departure_time"`
	EstimatedArrival time.Time  `json:"estimated_arrival"`
	TotalSeats       int        `json:"total_seats"`
	AvailableSeats   int        `json:"available_seats"`
	PricePerSeat     float64    `json:"price_per_seat"`
	Notes            string     `json:"notes,omitempty"`
	Status           RideStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Joinable reports whether riders may still request seats at instant now.
func (r Ride) Joinable(now time.Time) bool {
	return r.Status == RideScheduled && r.DepartureTime.After(now)
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "Pending"
	RequestAccepted  RequestStatus = "Accepted"
	RequestRejected  RequestStatus = "Rejected"
	RequestWithdrawn RequestStatus = "Withdrawn"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestRejected || s == RequestWithdrawn
}

// Live reports whether the request still holds or may still obtain seats.
func (s RequestStatus) Live() bool {
	return s == RequestPending || s == RequestAccepted
}

type RideRequest struct {
	ID             string        `json:"id"`
	RideID         string        `json:"ride_id"`
	RiderID        string        `json:"rider_id"`
	SeatsRequested int           `json:"seats_requested"`
	Status         RequestStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	DecidedAt      *time.Time    `json:"decided_at,omitempty"`
}

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageSystem MessageKind = "system"
)

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content"`
	SentAt         time.Time   `json:"sent_at"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
}

type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs [2]string `json:"participant_ids"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Messages       []Message `json:"messages,omitempty"`
}

// Has reports whether userID takes part in the conversation.
func (c Conversation) Has(userID string) bool {
	return c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

type EntityType string

const (
	EntityUser         EntityType = "user"
	EntityRide         EntityType = "ride"
	EntityRideRequest  EntityType = "ride_request"
	EntityConversation EntityType = "conversation"
	EntityMessage      EntityType = "message"
)

// Event is emitted once per state transition.
type Event struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	NewStatus  string     `json:"new_status"`
	Timestamp  time.Time  `json:"timestamp"`
	Audience   []string   `json:"audience,omitempty"`
}
