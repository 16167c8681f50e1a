package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/example/campus-share/internal/errors"
	"github.com/example/campus-share/internal/events"
	"github.com/example/campus-share/internal/identity"
	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/models"
	"github.com/example/campus-share/internal/testfixtures"
)

type fixture struct {
	clock *testfixtures.Clock
	store *Store
	rec   *events.Recorder
	a, b  models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := testfixtures.NewClock(testfixtures.ReferenceTime())
	users := identity.NewStore(identity.WithClock(clock.Now), identity.WithLogger(logging.Discard()))
	a, err := users.Register(ctx, "asha@gbu.ac.in", "Asha")
	require.NoError(t, err)
	b, err := users.Register(ctx, "bilal@gbu.ac.in", "Bilal")
	require.NoError(t, err)

	rec := &events.Recorder{}
	s := NewStore(users,
		WithClock(clock.Now),
		WithIDs(testfixtures.NewIDGenerator("c").Next),
		WithEmitter(rec),
		WithLogger(logging.Discard()),
	)
	return &fixture{clock: clock, store: s, rec: rec, a: a, b: b}
}

func TestEnsureConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c1, err := f.store.EnsureConversation(ctx, f.a.ID, f.b.ID)
	require.NoError(t, err)
	c2, err := f.store.EnsureConversation(ctx, f.b.ID, f.a.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.True(t, c1.Has(f.a.ID))
	assert.Equal(t, f.b.ID, c1.Other(f.a.ID))
	assert.Len(t, f.rec.Filter(models.EntityConversation), 1)

	_, err = f.store.EnsureConversation(ctx, f.a.ID, f.a.ID)
	assert.Equal(t, "validation", apperrors.Kind(err))
	_, err = f.store.EnsureConversation(ctx, f.a.ID, "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEnsureConversationConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := f.a.ID, f.b.ID
			if i%2 == 1 {
				x, y = y, x
			}
			c, err := f.store.EnsureConversation(ctx, x, y)
			assert.NoError(t, err)
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, f.store.Inbox(ctx, f.a.ID), 1)
}

func TestPostMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv, err := f.store.EnsureConversation(ctx, f.a.ID, f.b.ID)
	require.NoError(t, err)

	msg, err := f.store.PostMessage(ctx, conv.ID, f.a.ID, "  leaving at 9  ")
	require.NoError(t, err)
	assert.Equal(t, "leaving at 9", msg.Content)
	assert.Equal(t, models.MessageText, msg.Kind)
	assert.Nil(t, msg.ReadAt)

	sys, err := f.store.PostSystemMessage(ctx, conv.ID, f.b.ID, "Request accepted")
	require.NoError(t, err)
	assert.Equal(t, models.MessageSystem, sys.Kind)

	tests := []struct {
		name    string
		sender  string
		content string
		kind    string
	}{
		{"blank", f.a.ID, " \n\t", "empty_content"},
		{"too long", f.a.ID, strings.Repeat("x", MaxContentLength+1), "validation"},
		{"outsider", "ghost", "hi", "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.PostMessage(ctx, conv.ID, tt.sender, tt.content)
			assert.Equal(t, tt.kind, apperrors.Kind(err))
		})
	}
	_, err = f.store.PostMessage(ctx, "c-404", f.a.ID, "hi")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	evs := f.rec.Filter(models.EntityMessage)
	require.Len(t, evs, 2)
	assert.Equal(t, []string{f.b.ID}, evs[0].Audience)
}

func TestSentAtNeverDecreases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv, err := f.store.EnsureConversation(ctx, f.a.ID, f.b.ID)
	require.NoError(t, err)

	_, err = f.store.PostMessage(ctx, conv.ID, f.a.ID, "first")
	require.NoError(t, err)
	f.clock.Set(f.clock.Now().Add(-time.Minute))
	second, err := f.store.PostMessage(ctx, conv.ID, f.b.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, testfixtures.ReferenceTime(), second.SentAt)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := f.a.ID
			if i%2 == 0 {
				sender = f.b.ID
			}
			if i%3 == 0 {
				f.clock.Advance(time.Second)
			}
			_, err := f.store.PostMessage(ctx, conv.ID, sender, fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := f.store.Messages(ctx, conv.ID, f.a.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 22)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].SentAt.Before(msgs[i-1].SentAt), "message %d goes back in time", i)
	}
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv, err := f.store.EnsureConversation(ctx, f.a.ID, f.b.ID)
	require.NoError(t, err)

	m1, err := f.store.PostMessage(ctx, conv.ID, f.a.ID, "one")
	require.NoError(t, err)
	_, err = f.store.PostMessage(ctx, conv.ID, f.b.ID, "reply")
	require.NoError(t, err)
	m3, err := f.store.PostMessage(ctx, conv.ID, f.a.ID, "three")
	require.NoError(t, err)
	m4, err := f.store.PostMessage(ctx, conv.ID, f.a.ID, "four")
	require.NoError(t, err)

	assert.Equal(t, 3, f.store.Inbox(ctx, f.b.ID)[0].UnreadCount)

	f.clock.Advance(time.Minute)
	n, err := f.store.MarkRead(ctx, conv.ID, f.b.ID, m3.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := f.store.Messages(ctx, conv.ID, f.b.ID)
	require.NoError(t, err)
	require.NotNil(t, msgs[0].ReadAt)
	firstRead := *msgs[0].ReadAt
	assert.Nil(t, msgs[1].ReadAt, "own messages are never marked")
	assert.Nil(t, msgs[3].ReadAt)

	f.clock.Advance(time.Hour)
	n, err = f.store.MarkRead(ctx, conv.ID, f.b.ID, m4.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.store.MarkRead(ctx, conv.ID, f.b.ID, m4.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	msgs, err = f.store.Messages(ctx, conv.ID, f.b.ID)
	require.NoError(t, err)
	assert.Equal(t, firstRead, *msgs[0].ReadAt, "readAt must not move once set")
	assert.Equal(t, m1.ID, msgs[0].ID)
	assert.Equal(t, 0, f.store.Inbox(ctx, f.b.ID)[0].UnreadCount)

	_, err = f.store.MarkRead(ctx, conv.ID, f.b.ID, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.store.MarkRead(ctx, conv.ID, "ghost", m1.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestReadAtNotBeforeSentAt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv, err := f.store.EnsureConversation(ctx, f.a.ID, f.b.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	m, err := f.store.PostMessage(ctx, conv.ID, f.a.ID, "hi")
	require.NoError(t, err)

	f.clock.Set(testfixtures.ReferenceTime())
	_, err = f.store.MarkRead(ctx, conv.ID, f.b.ID, m.ID)
	require.NoError(t, err)
	msgs, err := f.store.Messages(ctx, conv.ID, f.b.ID)
	require.NoError(t, err)
	assert.Equal(t, m.SentAt, *msgs[0].ReadAt)
}

func TestInboxAndArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv, err := f.store.EnsureConversation(ctx, f.a.ID, f.b.ID)
	require.NoError(t, err)
	assert.Empty(t, f.store.Inbox(ctx, "nobody"))

	inbox := f.store.Inbox(ctx, f.a.ID)
	require.Len(t, inbox, 1)
	assert.Equal(t, f.b.ID, inbox[0].OtherUserID)
	assert.Nil(t, inbox[0].LastMessage)

	require.NoError(t, f.store.Archive(ctx, conv.ID, f.a.ID))
	assert.Empty(t, f.store.Inbox(ctx, f.a.ID))
	assert.Len(t, f.store.Inbox(ctx, f.b.ID), 1)

	f.clock.Advance(time.Minute)
	_, err = f.store.PostMessage(ctx, conv.ID, f.b.ID, "still coming?")
	require.NoError(t, err)
	inbox = f.store.Inbox(ctx, f.a.ID)
	require.Len(t, inbox, 1)
	assert.Equal(t, "still coming?", inbox[0].LastMessage.Content)
	assert.Equal(t, 1, inbox[0].UnreadCount)

	assert.ErrorIs(t, f.store.Archive(ctx, conv.ID, "ghost"), apperrors.ErrForbidden)
}
