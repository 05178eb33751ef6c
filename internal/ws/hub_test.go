package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"party-service/internal/mocks"
	"party-service/internal/models"
	"party-service/internal/party"
	"party-service/internal/presence"
)

// fakeConn records written frames and can be told to fail writes or
// stall until released.
type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	fail    int           // writes to fail before succeeding
	failAll bool          // every write fails
	stall   chan struct{} // writes block until closed
	closed  bool
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("fakeConn does not support reads")
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.stall != nil {
		<-c.stall
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll {
		return errors.New("write failed")
	}
	if c.fail > 0 {
		c.fail--
		return errors.New("write failed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) frame(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestSub(partyID, userID int, connID string) (*Subscription, *fakeConn) {
	conn := &fakeConn{}
	return NewSubscription(partyID, conn, ConnInfo{ConnID: connID, UserID: userID}), conn
}

func isDropped(sub *Subscription) bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

func drainEvent(t *testing.T, sub *Subscription) models.PartyEvent {
	t.Helper()
	select {
	case payload := <-sub.send:
		var event models.PartyEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		return event
	default:
		t.Fatal("expected a queued event")
		return models.PartyEvent{}
	}
}

func decodeFrame(t *testing.T, raw []byte) models.PartyEvent {
	t.Helper()
	var event models.PartyEvent
	require.NoError(t, json.Unmarshal(raw, &event))
	return event
}

func TestHubAddAndRemove(t *testing.T) {
	hub := NewHub(presence.NewMemoryTracker())

	sub, _ := newTestSub(1, 1, "c1")
	hub.Add(sub)
	if len(hub.rooms) != 1 {
		t.Fatalf("expected party room to be created")
	}

	hub.Remove(sub)
	if len(hub.rooms) != 0 {
		t.Fatalf("expected party room to be removed")
	}
}

func TestBroadcastLogEntryDeliversInOrder(t *testing.T) {
	hub := NewHub(presence.NewMemoryTracker())
	sub, _ := newTestSub(1, 2, "c1")
	hub.Add(sub)

	author := 3
	hub.BroadcastLogEntry(1, models.LogEntry{PartyID: 1, Seq: 1, Type: models.EntryTypeActivity, AuthorID: author})
	hub.BroadcastLogEntry(1, models.LogEntry{PartyID: 1, Seq: 2, Type: models.EntryTypeActivity, AuthorID: author})

	first := drainEvent(t, sub)
	second := drainEvent(t, sub)
	assert.Equal(t, models.EventLog, first.Name)
	assert.Equal(t, "party.1", first.Channel)
	assert.Equal(t, float64(1), first.Payload.(map[string]any)["seq"])
	assert.Equal(t, float64(2), second.Payload.(map[string]any)["seq"])
}

func TestBroadcastIsolatedPerParty(t *testing.T) {
	hub := NewHub(presence.NewMemoryTracker())
	inParty, _ := newTestSub(1, 1, "c1")
	elsewhere, _ := newTestSub(2, 1, "c2")
	hub.Add(inParty)
	hub.Add(elsewhere)

	hub.BroadcastState(1, models.PlaybackState{PartyID: 1, IsPlaying: true, Version: 1})

	assert.Len(t, inParty.send, 1)
	assert.Len(t, elsewhere.send, 0)
}

func TestAttentionSkipsAuthorAndVisibleSubscribers(t *testing.T) {
	tracker := presence.NewMemoryTracker()
	hub := NewHub(tracker)
	ctx := context.Background()

	authorSub, _ := newTestSub(1, 10, "author")
	hiddenSub, _ := newTestSub(1, 11, "hidden")
	visibleSub, _ := newTestSub(1, 12, "visible")
	hub.Add(authorSub)
	hub.Add(hiddenSub)
	hub.Add(visibleSub)

	tracker.MarkVisible(ctx, "visible", true)
	tracker.MarkVisible(ctx, "hidden", false)

	hub.BroadcastLogEntry(1, models.LogEntry{PartyID: 1, Seq: 1, Type: models.EntryTypeMessage, AuthorID: 10, ClientID: "m1"})

	// Everyone gets the log event; only the hidden non-author gets the
	// attention event on top.
	assert.Len(t, authorSub.send, 1)
	assert.Len(t, visibleSub.send, 1)
	require.Len(t, hiddenSub.send, 2)

	_ = drainEvent(t, hiddenSub)
	attention := drainEvent(t, hiddenSub)
	assert.Equal(t, models.EventAttention, attention.Name)
	assert.Equal(t, "m1", attention.Payload.(map[string]any)["id"])
}

func TestActivityEntriesNeverRaiseAttention(t *testing.T) {
	hub := NewHub(presence.NewMemoryTracker())
	sub, _ := newTestSub(1, 5, "c1")
	hub.Add(sub)

	hub.BroadcastLogEntry(1, models.LogEntry{PartyID: 1, Seq: 1, Type: models.EntryTypeActivity, AuthorID: 9})

	assert.Len(t, sub.send, 1)
}

func TestIsAnyoneElseVisible(t *testing.T) {
	tracker := presence.NewMemoryTracker()
	hub := NewHub(tracker)
	ctx := context.Background()

	me, _ := newTestSub(1, 1, "me")
	other, _ := newTestSub(1, 2, "other")
	hub.Add(me)
	hub.Add(other)

	tracker.MarkVisible(ctx, "me", true)
	assert.False(t, hub.IsAnyoneElseVisible(ctx, 1, 1))

	tracker.MarkVisible(ctx, "other", true)
	assert.True(t, hub.IsAnyoneElseVisible(ctx, 1, 1))
}

func TestReplayPrecedesQueuedLiveEvents(t *testing.T) {
	hub := NewHub(presence.NewMemoryTracker())
	sub, conn := newTestSub(1, 1, "c1")
	hub.Add(sub)
	defer hub.Disconnect(sub)

	// A live event accepted between registration and replay delivery
	// waits in the queue.
	hub.BroadcastLogEntry(1, models.LogEntry{PartyID: 1, Seq: 8, Type: models.EntryTypeActivity, AuthorID: 2})

	replay := []models.LogEntry{
		{PartyID: 1, Seq: 6, Type: models.EntryTypeMessage, AuthorID: 2},
		{PartyID: 1, Seq: 7, Type: models.EntryTypeMessage, AuthorID: 2},
	}
	require.NoError(t, hub.WriteReplay(sub, replay))

	go hub.Run(sub)

	require.Eventually(t, func() bool { return conn.frameCount() == 3 }, time.Second, 10*time.Millisecond)
	for i, want := range []float64{6, 7, 8} {
		event := decodeFrame(t, conn.frame(i))
		assert.Equal(t, want, event.Payload.(map[string]any)["seq"])
	}
}

func TestRunRetriesFailedWriteOnce(t *testing.T) {
	hub := NewHub(presence.NewMemoryTracker())
	sub, conn := newTestSub(1, 1, "c1")
	conn.fail = 1
	hub.Add(sub)
	defer hub.Disconnect(sub)

	go hub.Run(sub)
	hub.BroadcastLogEntry(1, models.LogEntry{PartyID: 1, Seq: 1, Type: models.EntryTypeActivity, AuthorID: 2})

	require.Eventually(t, func() bool { return conn.frameCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, isDropped(sub), "a single failed write must not drop the subscriber")
}

func TestRunDropsSubscriberAfterSecondFailure(t *testing.T) {
	hub := NewHub(presence.NewMemoryTracker())
	bad, badConn := newTestSub(1, 1, "bad")
	badConn.failAll = true
	good, goodConn := newTestSub(1, 2, "good")
	hub.Add(bad)
	hub.Add(good)
	defer hub.Disconnect(good)

	go hub.Run(bad)
	go hub.Run(good)

	hub.BroadcastLogEntry(1, models.LogEntry{PartyID: 1, Seq: 1, Type: models.EntryTypeActivity, AuthorID: 3})

	require.Eventually(t, func() bool { return isDropped(bad) && badConn.isClosed() }, time.Second, 10*time.Millisecond)

	// The drop unregisters the failed subscriber; the rest of the room
	// keeps receiving.
	hub.BroadcastLogEntry(1, models.LogEntry{PartyID: 1, Seq: 2, Type: models.EntryTypeActivity, AuthorID: 3})
	require.Eventually(t, func() bool { return goodConn.frameCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.mu.RLock()
	_, registered := hub.rooms[1][bad]
	hub.mu.RUnlock()
	assert.False(t, registered)
}

func TestSlowSubscriberOverflowDropsOnlyItself(t *testing.T) {
	hub := NewHub(presence.NewMemoryTracker())
	slow, slowConn := newTestSub(1, 1, "slow")
	healthy, healthyConn := newTestSub(1, 2, "healthy")
	hub.Add(slow)
	hub.Add(healthy)
	defer hub.Disconnect(healthy)

	// Only the healthy subscriber drains its queue. Wait for its drain
	// loop to come up before flooding, so its buffer never overflows.
	go hub.Run(healthy)
	hub.BroadcastLogEntry(1, models.LogEntry{PartyID: 1, Seq: 1, Type: models.EntryTypeActivity, AuthorID: 3})
	require.Eventually(t, func() bool { return healthyConn.frameCount() == 1 }, time.Second, 10*time.Millisecond)

	for seq := int64(2); seq <= sendBufferSize+1; seq++ {
		hub.BroadcastLogEntry(1, models.LogEntry{PartyID: 1, Seq: seq, Type: models.EntryTypeActivity, AuthorID: 3})
	}

	require.Eventually(t, func() bool { return isDropped(slow) && slowConn.isClosed() }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return healthyConn.frameCount() == sendBufferSize+1 }, time.Second, 10*time.Millisecond)
}

// stubLogRepo is an unlocked in-memory log for wiring a real Service in
// front of the hub.
type stubLogRepo struct {
	seq     int64
	entries []models.LogEntry
}

func (r *stubLogRepo) Append(_ context.Context, partyID int, clientID, entryType, text string, authorID int) (models.LogEntry, bool, error) {
	r.seq++
	entry := models.LogEntry{PartyID: partyID, Seq: r.seq, ClientID: clientID, Type: entryType, Text: text, AuthorID: authorID}
	r.entries = append(r.entries, entry)
	return entry, false, nil
}

func (r *stubLogRepo) ReadSince(_ context.Context, partyID int, cursor int64) ([]models.LogEntry, error) {
	var out []models.LogEntry
	for _, entry := range r.entries {
		if entry.Seq > cursor {
			out = append(out, entry)
		}
	}
	return out, nil
}

func TestStalledReplayWriteDoesNotBlockAccepts(t *testing.T) {
	hub := NewHub(presence.NewMemoryTracker())
	svc := party.NewService(&stubLogRepo{}, new(mocks.StateRepositoryMock), hub)

	release := make(chan struct{})
	conn := &fakeConn{stall: release}
	sub := NewSubscription(1, conn, ConnInfo{ConnID: "stalled", UserID: 2})

	err := svc.Attach(context.Background(), 1, 0, func(entries []models.LogEntry) error {
		hub.Add(sub)
		return nil
	})
	require.NoError(t, err)

	replayDone := make(chan struct{})
	go func() {
		defer close(replayDone)
		_ = hub.WriteReplay(sub, []models.LogEntry{{PartyID: 1, Seq: 1, Type: models.EntryTypeMessage, AuthorID: 2}})
	}()

	accepted := make(chan error, 1)
	go func() {
		_, _, err := svc.AppendMessage(context.Background(), 1, 3, "c-1", "hello")
		accepted <- err
	}()

	// The append takes the party lock; a subscriber that stopped reading
	// mid-replay must not hold it up.
	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked behind a stalled replay write")
	}

	close(release)
	<-replayDone
	hub.Disconnect(sub)
}
