package usecase

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"cadence-ai/internal/domain"
)

// Session holds one conversation: its history, counters, and the state the
// orchestration engine needs between requests.
type Session struct {
	mu        sync.RWMutex
	ID        string    `json:"id"` // ULID
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// PromptMode selects the system prompt flavor ("chat" or "agent").
	PromptMode string `json:"prompt_mode"`

	history []domain.TurnRecord

	// CompletedTurns counts finished request/response exchanges. Used by the
	// session turn cap and the injection policy.
	CompletedTurns int `json:"completed_turns"`

	// compressionFailed is the sticky failure latch. Set when a compression
	// attempt fails, cleared only by a later successful compression. While
	// set, automatic compression is suppressed.
	compressionFailed bool

	// active guards against overlapping requests on the same session.
	active atomic.Bool
}

// NewSession creates a new empty session with a generated ULID.
func NewSession(promptMode string) *Session {
	now := time.Now()
	return &Session{
		ID:         generateULID(now),
		CreatedAt:  now,
		UpdatedAt:  now,
		PromptMode: promptMode,
		history:    make([]domain.TurnRecord, 0),
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddTurn appends a turn, enforcing the alternation invariant: a model turn
// containing tool calls must be followed by a user turn answering every one
// of them. A violation is a programmer error and panics.
func (s *Session) AddTurn(turn domain.TurnRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.history); n > 0 {
		last := s.history[n-1]
		if last.Role == domain.RoleModel && last.HasToolCalls() {
			if turn.Role != domain.RoleUser || !turn.AnswersCalls(last.ToolCalls()) {
				panic(fmt.Sprintf(
					"session %s: turn after model tool calls must be a user turn answering them (got role=%q)",
					s.ID, turn.Role,
				))
			}
		}
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	s.history = append(s.history, turn)
	s.UpdatedAt = time.Now()
}

// History returns a copy of the turn history.
func (s *Session) History() []domain.TurnRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.TurnRecord, len(s.history))
	copy(cp, s.history)
	return cp
}

// HistoryLen returns the number of turns without copying.
func (s *Session) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// ReplaceHistory swaps the full history, used after compression.
func (s *Session) ReplaceHistory(history []domain.TurnRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.TurnRecord, len(history))
	copy(cp, history)
	s.history = cp
	s.UpdatedAt = time.Now()
}

// Reset clears history and counters but keeps the session identity.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = s.history[:0]
	s.CompletedTurns = 0
	s.compressionFailed = false
	s.UpdatedAt = time.Now()
}

// IncrementCompletedTurns bumps the completed-turn counter and returns the
// new value.
func (s *Session) IncrementCompletedTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CompletedTurns++
	return s.CompletedTurns
}

// TurnCount returns the completed-turn counter.
func (s *Session) TurnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CompletedTurns
}

// CompressionFailed reports the sticky compression failure latch.
func (s *Session) CompressionFailed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compressionFailed
}

// SetCompressionFailed sets or clears the sticky failure latch.
func (s *Session) SetCompressionFailed(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressionFailed = failed
}

// TryActivate marks the session busy. Returns false when a request is
// already in flight.
func (s *Session) TryActivate() bool {
	return s.active.CompareAndSwap(false, true)
}

// Deactivate marks the session idle again.
func (s *Session) Deactivate() {
	s.active.Store(false)
}

// Snapshot is the serializable form of a session, used by SessionStore.
type Snapshot struct {
	ID                string              `json:"id"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	PromptMode        string              `json:"prompt_mode"`
	History           []domain.TurnRecord `json:"history"`
	CompletedTurns    int                 `json:"completed_turns"`
	CompressionFailed bool                `json:"compression_failed"`
}

// Snapshot captures the session state for persistence.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := make([]domain.TurnRecord, len(s.history))
	copy(hist, s.history)
	return Snapshot{
		ID:                s.ID,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		PromptMode:        s.PromptMode,
		History:           hist,
		CompletedTurns:    s.CompletedTurns,
		CompressionFailed: s.compressionFailed,
	}
}

// FromSnapshot rehydrates a session from its persisted form.
func FromSnapshot(snap Snapshot) *Session {
	s := &Session{
		ID:                snap.ID,
		CreatedAt:         snap.CreatedAt,
		UpdatedAt:         snap.UpdatedAt,
		PromptMode:        snap.PromptMode,
		history:           make([]domain.TurnRecord, len(snap.History)),
		CompletedTurns:    snap.CompletedTurns,
		compressionFailed: snap.CompressionFailed,
	}
	copy(s.history, snap.History)
	return s
}

// SessionStore persists session snapshots.
type SessionStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// SessionManager keeps live sessions in memory and writes through to an
// optional store.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    SessionStore // nil = memory only
}

// NewSessionManager creates a session manager. store may be nil.
func NewSessionManager(store SessionStore) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		store:    store,
	}
}

// Create makes a new session and registers it.
func (sm *SessionManager) Create(ctx context.Context, promptMode string) (*Session, error) {
	sess := NewSession(promptMode)
	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sm.mu.Unlock()

	if sm.store != nil {
		if err := sm.store.Save(ctx, sess.Snapshot()); err != nil {
			return nil, domain.WrapOp("SessionManager.Create", err)
		}
	}
	return sess, nil
}

// Get returns a live session, loading from the store when not in memory.
func (sm *SessionManager) Get(ctx context.Context, id string) (*Session, error) {
	sm.mu.RLock()
	sess, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if ok {
		return sess, nil
	}

	if sm.store == nil {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, id)
	}
	snap, err := sm.store.Load(ctx, id)
	if err != nil {
		return nil, domain.WrapOp("SessionManager.Get", err)
	}
	sess = FromSnapshot(snap)

	sm.mu.Lock()
	// Another goroutine may have loaded it meanwhile; keep the first.
	if existing, ok := sm.sessions[id]; ok {
		sess = existing
	} else {
		sm.sessions[id] = sess
	}
	sm.mu.Unlock()
	return sess, nil
}

// Persist writes the current session state through to the store.
func (sm *SessionManager) Persist(ctx context.Context, sess *Session) error {
	if sm.store == nil {
		return nil
	}
	return domain.WrapOp("SessionManager.Persist", sm.store.Save(ctx, sess.Snapshot()))
}

// Delete removes a session from memory and the store.
func (sm *SessionManager) Delete(ctx context.Context, id string) error {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if sm.store == nil {
		return nil
	}
	return domain.WrapOp("SessionManager.Delete", sm.store.Delete(ctx, id))
}

// List returns known session IDs, preferring the store's view when present.
func (sm *SessionManager) List(ctx context.Context) ([]string, error) {
	if sm.store != nil {
		ids, err := sm.store.List(ctx)
		return ids, domain.WrapOp("SessionManager.List", err)
	}
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}
