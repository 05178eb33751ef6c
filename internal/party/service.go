package party

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"party-service/internal/models"
	"party-service/internal/observability"
	"party-service/internal/repositories"
)

// Broadcaster fans accepted events out to party subscribers. Satisfied
// by *ws.Hub.
type Broadcaster interface {
	BroadcastLogEntry(partyID int, entry models.LogEntry)
	BroadcastState(partyID int, state models.PlaybackState)
}

// Service is the accept path for party events. Appends and state updates
// for one party are serialized through a per-party mutex, so sequence
// assignment, version bumps and fan-out happen in a single order.
// Operations on different parties never contend.
type Service struct {
	logs  repositories.LogRepository
	state repositories.StateRepository
	hub   Broadcaster

	mu sync.Mutex
	// locks grows by one mutex per party seen and is pruned only on
	// archival; an idle party costs one unlocked mutex until then.
	locks map[int]*sync.Mutex
}

// NewService builds a Service.
func NewService(logs repositories.LogRepository, state repositories.StateRepository, hub Broadcaster) *Service {
	return &Service{
		logs:  logs,
		state: state,
		hub:   hub,
		locks: make(map[int]*sync.Mutex),
	}
}

func (s *Service) partyLock(partyID int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[partyID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[partyID] = lock
	}
	return lock
}

// AppendMessage accepts a chat message into the party log and broadcasts
// it. An empty clientID gets a server-minted one. The returned bool
// reports an idempotent replay: the stored entry is echoed and nothing
// is re-broadcast.
func (s *Service) AppendMessage(ctx context.Context, partyID int, authorID int, clientID string, text string) (models.LogEntry, bool, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}

	lock := s.partyLock(partyID)
	lock.Lock()
	defer lock.Unlock()

	entry, duplicate, err := s.logs.Append(ctx, partyID, clientID, models.EntryTypeMessage, text, authorID)
	if err != nil {
		return models.LogEntry{}, false, err
	}
	if !duplicate {
		s.hub.BroadcastLogEntry(partyID, entry)
	}
	return entry, duplicate, nil
}

// AppendActivity records an activity notice (join/leave/etc.) and
// broadcasts it.
func (s *Service) AppendActivity(ctx context.Context, partyID int, actorID int, text string) (models.LogEntry, error) {
	lock := s.partyLock(partyID)
	lock.Lock()
	defer lock.Unlock()

	entry, duplicate, err := s.logs.Append(ctx, partyID, uuid.NewString(), models.EntryTypeActivity, text, actorID)
	if err != nil {
		return models.LogEntry{}, err
	}
	if !duplicate {
		s.hub.BroadcastLogEntry(partyID, entry)
	}
	return entry, nil
}

// UpdateState applies a playback state change gated on expectedVersion
// and broadcasts the accepted state. A stale version surfaces the
// repository's StateConflictError carrying the winner's state.
func (s *Service) UpdateState(ctx context.Context, partyID int, isPlaying bool, currentTime float64, expectedVersion int64) (models.PlaybackState, error) {
	lock := s.partyLock(partyID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.state.Update(ctx, partyID, isPlaying, currentTime, expectedVersion)
	if err != nil {
		var conflict *repositories.StateConflictError
		if errors.As(err, &conflict) {
			observability.IncStateConflict()
		}
		return models.PlaybackState{}, err
	}
	s.hub.BroadcastState(partyID, state)
	return state, nil
}

// State returns the current playback state.
func (s *Service) State(ctx context.Context, partyID int) (models.PlaybackState, error) {
	return s.state.Get(ctx, partyID)
}

// ReadSince returns log entries with seq > cursor. Reads never take the
// party lock.
func (s *Service) ReadSince(ctx context.Context, partyID int, cursor int64) ([]models.LogEntry, error) {
	return s.logs.ReadSince(ctx, partyID, cursor)
}

// Attach reads the replay suffix after cursor and hands it to register
// under the party's accept lock, so no accepted event falls between the
// snapshot and the subscriber going live. register runs while appends
// for the party are blocked: it must only record the snapshot and
// register the subscription, never write to the network.
func (s *Service) Attach(ctx context.Context, partyID int, cursor int64, register func([]models.LogEntry) error) error {
	lock := s.partyLock(partyID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.logs.ReadSince(ctx, partyID, cursor)
	if err != nil {
		return err
	}
	return register(entries)
}

// ForgetParty releases the per-party lock state after archival.
func (s *Service) ForgetParty(partyID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, partyID)
}
