package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ManagerConfig sizes the manager's cache and expiry behaviour.
type ManagerConfig struct {
	MaxSessions    int
	CacheSize      int
	SessionTimeout time.Duration
	SweepInterval  time.Duration
}

// Manager is the authoritative owner of mutable session state. It fronts
// the Store with a bounded write-through cache and serialises all mutations
// per session.
type Manager struct {
	store *Store
	cache *lru.Cache[string, *Session]
	locks sync.Map // session id -> *sync.Mutex
	cfg   ManagerConfig
	log   zerolog.Logger
}

// NewManager wires a Manager over the given store.
func NewManager(store *Store, cfg ManagerConfig, log zerolog.Logger) (*Manager, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 20
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	cache, err := lru.New[string, *Session](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	return &Manager{store: store, cache: cache, cfg: cfg, log: log}, nil
}

// lock returns the per-session mutex, creating it on first use. The map
// only grows with distinct session IDs touched by this process; evicted
// cache entries keep their mutex so concurrent revivals still serialise.
func (m *Manager) lock(id string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create registers a new active session for the given topic and flow. The
// first step of the flow becomes the cursor with step_number 0.
func (m *Manager) Create(topic, flowType, firstStep string, ctx map[string]any) (*Session, error) {
	active, err := m.store.CountActive()
	if err != nil {
		return nil, err
	}
	if m.cfg.MaxSessions > 0 && active >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("session limit reached (%d active sessions)", m.cfg.MaxSessions)
	}

	now := timeNow().UTC()
	sess := &Session{
		ID:            uuid.NewString(),
		Topic:         topic,
		FlowType:      flowType,
		Cursor:        Cursor{Step: firstStep},
		Status:        StatusActive,
		Context:       ctx,
		StepResults:   map[string][]*StepResult{},
		StepOutputs:   map[string]any{},
		QualityScores: map[string]float64{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	// The entry step starts pending so a session completed without any
	// next_step call still shows its initial step in the history.
	sess.StepResults[firstStep] = []*StepResult{{
		StepName:  firstStep,
		Status:    StepPending,
		StartedAt: now,
	}}

	mu := m.lock(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.store.SaveSession(sess); err != nil {
		return nil, err
	}
	m.cache.Add(sess.ID, sess)
	m.log.Info().Str("session_id", sess.ID).Str("flow_type", flowType).Msg("session created")
	return sess, nil
}

// Get loads a session, checking expiry on touch. When touch is true (MCP
// tool reads) updated_at is refreshed on the cached record; mutations
// persist it. Internal readers pass false. Expired sessions return
// ErrExpired after being marked so.
func (m *Manager) Get(id string, touch bool) (*Session, error) {
	mu := m.lock(id)
	mu.Lock()
	defer mu.Unlock()
	return m.getLocked(id, touch)
}

func (m *Manager) getLocked(id string, touch bool) (*Session, error) {
	sess, ok := m.cache.Get(id)
	if !ok {
		loaded, err := m.store.LoadSession(id)
		if err != nil {
			return nil, err
		}
		sess = loaded
		m.cache.Add(id, sess)
	}

	now := timeNow().UTC()
	if sess.Status == StatusActive && now.Sub(sess.UpdatedAt) > m.cfg.SessionTimeout {
		sess.Status = StatusExpired
		sess.UpdatedAt = now
		if err := m.store.MarkStatus(id, StatusExpired); err != nil {
			m.log.Warn().Str("session_id", id).Err(err).Msg("failed to persist expiry")
		}
		m.cache.Remove(id)
		return nil, ErrExpired
	}
	if sess.Status == StatusExpired {
		return nil, ErrExpired
	}

	if touch && sess.Status == StatusActive {
		sess.UpdatedAt = now
	}
	return sess, nil
}

// Mutate applies fn to the session under its lock and persists the result
// write-through. This is the linearisation point for all session changes: a
// call on session S commits before any later call on S observes its state.
// fn returning an error aborts without persisting; error paths that must
// still record state use MutateAlways.
func (m *Manager) Mutate(id string, fn func(*Session) error) (*Session, error) {
	mu := m.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.getLocked(id, true)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrTerminal
	}

	if err := fn(sess); err != nil {
		return nil, err
	}

	if err := m.store.SaveSession(sess); err != nil {
		// A failed write to step results leaves the session in an unknown
		// durable state; mark it failed best-effort per the failure policy.
		sess.Status = StatusFailed
		if markErr := m.store.MarkStatus(id, StatusFailed); markErr != nil {
			m.log.Error().Str("session_id", id).Err(markErr).Msg("failed to mark session failed after storage error")
		}
		m.cache.Remove(id)
		return nil, err
	}
	return sess, nil
}

// MutateAlways is Mutate for error paths that still change state: fn runs
// and the session is persisted even when fn reports an error (e.g. a
// for_each resolution failure that must record a failed step while the
// tool surfaces the error). The fn error is returned after persistence.
func (m *Manager) MutateAlways(id string, fn func(*Session) error) (*Session, error) {
	mu := m.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.getLocked(id, true)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrTerminal
	}

	fnErr := fn(sess)
	if err := m.store.SaveSession(sess); err != nil {
		sess.Status = StatusFailed
		if markErr := m.store.MarkStatus(id, StatusFailed); markErr != nil {
			m.log.Error().Str("session_id", id).Err(markErr).Msg("failed to mark session failed after storage error")
		}
		m.cache.Remove(id)
		return nil, err
	}
	return sess, fnErr
}

// MarkCompleted transitions an active session to completed, storing any
// final insights into the context.
func (m *Manager) MarkCompleted(id string, finalInsights string) (*Session, error) {
	return m.Mutate(id, func(sess *Session) error {
		if finalInsights != "" {
			sess.Context["final_insights"] = finalInsights
		}
		sess.Status = StatusCompleted
		sess.Cursor.Step = completeSentinel
		return nil
	})
}

// completeSentinel mirrors flow.StepComplete without importing the flow
// package (session sits below flow in the dependency order).
const completeSentinel = "__complete__"

// Delete removes a session from cache and store.
func (m *Manager) Delete(id string) error {
	mu := m.lock(id)
	mu.Lock()
	defer mu.Unlock()
	m.cache.Remove(id)
	return m.store.DeleteSession(id)
}

// ExpireStale marks every active session idle past the timeout as expired
// and evicts it from the cache. Returns the number of sessions expired.
func (m *Manager) ExpireStale(now time.Time) (int, error) {
	ids, err := m.store.ListExpired(now, m.cfg.SessionTimeout)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		mu := m.lock(id)
		mu.Lock()
		if err := m.store.MarkStatus(id, StatusExpired); err != nil {
			m.log.Warn().Str("session_id", id).Err(err).Msg("failed to expire session")
		} else {
			m.cache.Remove(id)
		}
		mu.Unlock()
	}
	if len(ids) > 0 {
		m.log.Info().Int("count", len(ids)).Msg("expired stale sessions")
	}
	return len(ids), nil
}

// StartSweeper runs the expiry sweep on a ticker until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.ExpireStale(timeNow().UTC()); err != nil {
					m.log.Warn().Err(err).Msg("expiry sweep failed")
				}
			}
		}
	}()
}

// Store exposes the underlying store for operator tooling (listing, stats).
func (m *Manager) Store() *Store {
	return m.store
}
