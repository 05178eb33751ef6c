package party

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"party-service/internal/models"
	"party-service/internal/repositories"
)

// fakeLogRepo assigns sequence numbers with no internal locking, so the
// concurrency tests fail (under -race) if the service ever lets two
// appends for one party run unserialized.
type fakeLogRepo struct {
	lastSeq  map[int]int64
	byClient map[string]models.LogEntry
	entries  map[int][]models.LogEntry
}

func newFakeLogRepo() *fakeLogRepo {
	return &fakeLogRepo{
		lastSeq:  make(map[int]int64),
		byClient: make(map[string]models.LogEntry),
		entries:  make(map[int][]models.LogEntry),
	}
}

func (f *fakeLogRepo) Append(_ context.Context, partyID int, clientID string, entryType string, text string, authorID int) (models.LogEntry, bool, error) {
	key := fmt.Sprintf("%d/%s", partyID, clientID)
	if existing, ok := f.byClient[key]; ok {
		return existing, true, nil
	}
	f.lastSeq[partyID]++
	entry := models.LogEntry{
		PartyID:  partyID,
		Seq:      f.lastSeq[partyID],
		ClientID: clientID,
		Type:     entryType,
		Text:     text,
		AuthorID: authorID,
	}
	f.byClient[key] = entry
	f.entries[partyID] = append(f.entries[partyID], entry)
	return entry, false, nil
}

func (f *fakeLogRepo) ReadSince(_ context.Context, partyID int, cursor int64) ([]models.LogEntry, error) {
	var out []models.LogEntry
	for _, entry := range f.entries[partyID] {
		if entry.Seq > cursor {
			out = append(out, entry)
		}
	}
	return out, nil
}

type fakeStateRepo struct {
	mu    sync.Mutex
	state models.PlaybackState
}

func (f *fakeStateRepo) Get(_ context.Context, partyID int) (models.PlaybackState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeStateRepo) Update(_ context.Context, partyID int, isPlaying bool, currentTime float64, expectedVersion int64) (models.PlaybackState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Version != expectedVersion {
		return models.PlaybackState{}, &repositories.StateConflictError{Current: f.state}
	}
	f.state = models.PlaybackState{
		PartyID:     partyID,
		IsPlaying:   isPlaying,
		CurrentTime: currentTime,
		Version:     f.state.Version + 1,
	}
	return f.state, nil
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	entries []models.LogEntry
	states  []models.PlaybackState
}

func (b *recordingBroadcaster) BroadcastLogEntry(partyID int, entry models.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
}

func (b *recordingBroadcaster) BroadcastState(partyID int, state models.PlaybackState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = append(b.states, state)
}

func TestAppendMessageAssignsStrictOrderUnderConcurrency(t *testing.T) {
	repo := newFakeLogRepo()
	svc := NewService(repo, &fakeStateRepo{}, &recordingBroadcaster{})

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := svc.AppendMessage(context.Background(), 1, i, fmt.Sprintf("client-%d", i), "hi")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries := repo.entries[1]
	require.Len(t, entries, writers)
	seen := make(map[int64]bool)
	for _, entry := range entries {
		require.False(t, seen[entry.Seq], "duplicate seq %d", entry.Seq)
		seen[entry.Seq] = true
	}
	for seq := int64(1); seq <= writers; seq++ {
		assert.True(t, seen[seq], "missing seq %d", seq)
	}
}

func TestAppendMessageIdempotentReplay(t *testing.T) {
	repo := newFakeLogRepo()
	hub := &recordingBroadcaster{}
	svc := NewService(repo, &fakeStateRepo{}, hub)

	first, dup, err := svc.AppendMessage(context.Background(), 1, 7, "abc", "hello")
	require.NoError(t, err)
	assert.False(t, dup)

	second, dup, err := svc.AppendMessage(context.Background(), 1, 7, "abc", "hello")
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first, second)

	// The replay is not re-broadcast.
	assert.Len(t, hub.entries, 1)
}

func TestAppendMessageMintsClientID(t *testing.T) {
	repo := newFakeLogRepo()
	svc := NewService(repo, &fakeStateRepo{}, &recordingBroadcaster{})

	entry, dup, err := svc.AppendMessage(context.Background(), 1, 7, "", "hello")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEmpty(t, entry.ClientID)
}

func TestUpdateStateConflictLoses(t *testing.T) {
	state := &fakeStateRepo{}
	hub := &recordingBroadcaster{}
	svc := NewService(newFakeLogRepo(), state, hub)

	winner, err := svc.UpdateState(context.Background(), 1, true, 12.5, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), winner.Version)

	// Second update with the same expected version carries the winner's
	// state back in the conflict.
	_, err = svc.UpdateState(context.Background(), 1, false, 3.0, 0)
	var conflict *repositories.StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, winner, conflict.Current)

	assert.Len(t, hub.states, 1)
}

func TestReadSinceExcludesCursor(t *testing.T) {
	repo := newFakeLogRepo()
	svc := NewService(repo, &fakeStateRepo{}, &recordingBroadcaster{})

	for i := 0; i < 8; i++ {
		_, _, err := svc.AppendMessage(context.Background(), 1, 1, fmt.Sprintf("c-%d", i), "m")
		require.NoError(t, err)
	}

	entries, err := svc.ReadSince(context.Background(), 1, 5)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, int64(6+i), entry.Seq)
	}
}

func TestAttachSnapshotsUnderPartyLock(t *testing.T) {
	repo := newFakeLogRepo()
	svc := NewService(repo, &fakeStateRepo{}, &recordingBroadcaster{})

	_, _, err := svc.AppendMessage(context.Background(), 1, 1, "c-1", "m")
	require.NoError(t, err)

	var replayed []models.LogEntry
	err = svc.Attach(context.Background(), 1, 0, func(entries []models.LogEntry) error {
		replayed = entries
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, int64(1), replayed[0].Seq)
}

func TestOperationsOnDifferentPartiesDoNotShareSequences(t *testing.T) {
	repo := newFakeLogRepo()
	svc := NewService(repo, &fakeStateRepo{}, &recordingBroadcaster{})

	a, _, err := svc.AppendMessage(context.Background(), 1, 1, "x", "m")
	require.NoError(t, err)
	b, _, err := svc.AppendMessage(context.Background(), 2, 1, "y", "m")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(1), b.Seq)
}
