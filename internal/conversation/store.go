// Package conversation keeps the message threads between pairs of users.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	apperrors "github.com/example/campus-share/internal/errors"
	"github.com/example/campus-share/internal/events"
	"github.com/example/campus-share/internal/identity"
	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/models"
	"github.com/example/campus-share/internal/observability"
)

// MaxContentLength bounds a message body, counted in characters.
const MaxContentLength = 2000

type convSlot struct {
	mu       sync.Mutex
	conv     models.Conversation
	archived map[string]bool
}

type userIndex struct {
	mu  sync.Mutex
	ids []string
}

type Store struct {
	users identity.Lookup

	convs  sync.Map // conversation id -> *convSlot
	pairs  sync.Map // pair key -> conversation id
	byUser sync.Map // user id -> *userIndex

	now     func() time.Time
	newID   func() string
	emitter events.Emitter
	logger  *slog.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }
func WithIDs(newID func() string) Option    { return func(s *Store) { s.newID = newID } }
func WithEmitter(e events.Emitter) Option   { return func(s *Store) { s.emitter = e } }
func WithLogger(logger *slog.Logger) Option { return func(s *Store) { s.logger = logger } }

func NewStore(users identity.Lookup, opts ...Option) *Store {
	s := &Store{
		users:   users,
		now:     time.Now,
		newID:   uuid.NewString,
		emitter: events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func (s *Store) slot(conversationID string) (*convSlot, error) {
	v, ok := s.convs.Load(conversationID)
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, apperrors.ErrNotFound)
	}
	return v.(*convSlot), nil
}

// participantSlot loads the conversation and checks that userID takes part.
func (s *Store) participantSlot(conversationID, userID string) (*convSlot, error) {
	cs, err := s.slot(conversationID)
	if err != nil {
		return nil, err
	}
	// participants never change, so no lock is needed to read them
	if !cs.conv.Has(userID) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, apperrors.ErrForbidden)
	}
	return cs, nil
}

// EnsureConversation returns the conversation between a and b, creating it
// on first use. The pair is unordered.
func (s *Store) EnsureConversation(ctx context.Context, a, b string) (models.Conversation, error) {
	if a == b {
		return models.Conversation{}, apperrors.Invalid("participant_ids", "a conversation needs two different users")
	}
	key := pairKey(a, b)
	if id, ok := s.pairs.Load(key); ok {
		return s.snapshot(id.(string))
	}
	for _, id := range []string{a, b} {
		if _, err := s.users.Get(ctx, id); err != nil {
			return models.Conversation{}, err
		}
	}

	now := s.now()
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	candidate := &convSlot{
		conv: models.Conversation{
			ID:             s.newID(),
			ParticipantIDs: [2]string{first, second},
			CreatedAt:      now,
			LastActivityAt: now,
		},
		archived: make(map[string]bool),
	}
	s.convs.Store(candidate.conv.ID, candidate)
	id, loaded := s.pairs.LoadOrStore(key, candidate.conv.ID)
	if loaded {
		s.convs.Delete(candidate.conv.ID)
		return s.snapshot(id.(string))
	}

	for _, u := range candidate.conv.ParticipantIDs {
		v, _ := s.byUser.LoadOrStore(u, &userIndex{})
		idx := v.(*userIndex)
		idx.mu.Lock()
		idx.ids = append(idx.ids, candidate.conv.ID)
		idx.mu.Unlock()
	}

	logging.Component(ctx, s.logger, "conversation", "EnsureConversation", "conversation_id", candidate.conv.ID).
		InfoContext(ctx, "conversation started")
	s.emitter.Emit(ctx, models.Event{
		EntityType: models.EntityConversation,
		EntityID:   candidate.conv.ID,
		NewStatus:  "open",
		Timestamp:  now,
		Audience:   []string{first, second},
	})
	return s.snapshot(candidate.conv.ID)
}

// PostMessage appends a text message from senderID.
func (s *Store) PostMessage(ctx context.Context, conversationID, senderID, content string) (models.Message, error) {
	return s.post(ctx, conversationID, senderID, content, models.MessageText)
}

// PostSystemMessage appends an announcement attributed to senderID.
func (s *Store) PostSystemMessage(ctx context.Context, conversationID, senderID, content string) (models.Message, error) {
	return s.post(ctx, conversationID, senderID, content, models.MessageSystem)
}

func (s *Store) post(ctx context.Context, conversationID, senderID, content string, kind models.MessageKind) (msg models.Message, err error) {
	logger := logging.Component(ctx, s.logger, "conversation", "PostMessage",
		"conversation_id", conversationID, "sender_id", senderID, "kind", kind)
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "message rejected", "error", err, "error_kind", apperrors.Kind(err))
		}
	}()

	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, fmt.Errorf("conversation %s: %w", conversationID, apperrors.ErrEmptyContent)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return models.Message{}, apperrors.Invalid("content", fmt.Sprintf("at most %d characters", MaxContentLength))
	}
	cs, err := s.participantSlot(conversationID, senderID)
	if err != nil {
		return models.Message{}, err
	}

	cs.mu.Lock()
	sentAt := s.now()
	if n := len(cs.conv.Messages); n > 0 {
		if last := cs.conv.Messages[n-1].SentAt; sentAt.Before(last) {
			sentAt = last
		}
	}
	msg = models.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           kind,
		Content:        content,
		SentAt:         sentAt,
	}
	cs.conv.Messages = append(cs.conv.Messages, msg)
	cs.conv.LastActivityAt = sentAt
	cs.archived = make(map[string]bool)
	audience := []string{cs.conv.Other(senderID)}
	cs.mu.Unlock()

	observability.MessagesPosted.WithLabelValues(string(kind)).Inc()
	s.emitter.Emit(ctx, models.Event{
		EntityType: models.EntityMessage,
		EntityID:   msg.ID,
		NewStatus:  "sent",
		Timestamp:  sentAt,
		Audience:   audience,
	})
	logger.DebugContext(ctx, "message posted", "message_id", msg.ID)
	return msg, nil
}

// MarkRead sets ReadAt on every unread message from the other participant up
// to and including uptoMessageID. It returns how many messages changed.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID, uptoMessageID string) (int, error) {
	cs, err := s.participantSlot(conversationID, readerID)
	if err != nil {
		return 0, err
	}

	cs.mu.Lock()
	upto := -1
	for i, m := range cs.conv.Messages {
		if m.ID == uptoMessageID {
			upto = i
			break
		}
	}
	if upto < 0 {
		cs.mu.Unlock()
		return 0, fmt.Errorf("message %s in conversation %s: %w", uptoMessageID, conversationID, apperrors.ErrNotFound)
	}
	now := s.now()
	var read []string
	for i := 0; i <= upto; i++ {
		m := &cs.conv.Messages[i]
		if m.SenderID == readerID || m.ReadAt != nil {
			continue
		}
		at := now
		if at.Before(m.SentAt) {
			at = m.SentAt
		}
		m.ReadAt = &at
		read = append(read, m.ID)
	}
	other := cs.conv.Other(readerID)
	cs.mu.Unlock()

	for _, id := range read {
		s.emitter.Emit(ctx, models.Event{
			EntityType: models.EntityMessage,
			EntityID:   id,
			NewStatus:  "read",
			Timestamp:  now,
			Audience:   []string{other},
		})
	}
	if len(read) > 0 {
		logging.Component(ctx, s.logger, "conversation", "MarkRead", "conversation_id", conversationID, "reader_id", readerID).
			DebugContext(ctx, "messages read", "count", len(read))
	}
	return len(read), nil
}

// Messages returns the thread in SentAt order, ties in insertion order.
func (s *Store) Messages(_ context.Context, conversationID, readerID string) ([]models.Message, error) {
	cs, err := s.participantSlot(conversationID, readerID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return copyMessages(cs.conv.Messages), nil
}

// Get returns the conversation without its messages.
func (s *Store) Get(_ context.Context, conversationID, userID string) (models.Conversation, error) {
	cs, err := s.participantSlot(conversationID, userID)
	if err != nil {
		return models.Conversation{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	conv := cs.conv
	conv.Messages = nil
	return conv, nil
}

// Archive hides the conversation from userID's inbox until the next message.
func (s *Store) Archive(ctx context.Context, conversationID, userID string) error {
	cs, err := s.participantSlot(conversationID, userID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	cs.archived[userID] = true
	cs.mu.Unlock()
	logging.Component(ctx, s.logger, "conversation", "Archive", "conversation_id", conversationID, "user_id", userID).
		InfoContext(ctx, "conversation archived")
	return nil
}

type Summary struct {
	ConversationID string          `json:"conversation_id"`
	OtherUserID    string          `json:"other_user_id"`
	LastMessage    *models.Message `json:"last_message,omitempty"`
	UnreadCount    int             `json:"unread_count"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}

// Inbox lists userID's conversations, most recently active first.
func (s *Store) Inbox(_ context.Context, userID string) []Summary {
	v, ok := s.byUser.Load(userID)
	if !ok {
		return []Summary{}
	}
	idx := v.(*userIndex)
	idx.mu.Lock()
	ids := make([]string, len(idx.ids))
	copy(ids, idx.ids)
	idx.mu.Unlock()

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		cs, err := s.slot(id)
		if err != nil {
			continue
		}
		cs.mu.Lock()
		if cs.archived[userID] {
			cs.mu.Unlock()
			continue
		}
		sum := Summary{
			ConversationID: id,
			OtherUserID:    cs.conv.Other(userID),
			LastActivityAt: cs.conv.LastActivityAt,
		}
		if n := len(cs.conv.Messages); n > 0 {
			last := cs.conv.Messages[n-1]
			sum.LastMessage = &last
		}
		for _, m := range cs.conv.Messages {
			if m.SenderID != userID && m.ReadAt == nil {
				sum.UnreadCount++
			}
		}
		cs.mu.Unlock()
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out
}

func (s *Store) snapshot(conversationID string) (models.Conversation, error) {
	cs, err := s.slot(conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	conv := cs.conv
	conv.Messages = copyMessages(cs.conv.Messages)
	return conv, nil
}

func copyMessages(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	copy(out, in)
	for i := range out {
		if out[i].ReadAt != nil {
			at := *out[i].ReadAt
			out[i].ReadAt = &at
		}
	}
	return out
}
