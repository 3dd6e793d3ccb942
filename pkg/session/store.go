package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store owns every session, keyed by endpoint id. Each session carries its
// own run lock so one pipeline run mutates it at a time while different
// sessions proceed concurrently without coordination.
type Store struct {
	log         *slog.Logger
	defaultLang string
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*tracked
}

type tracked struct {
	session *Session
	runMu   sync.Mutex
}

// NewStore builds a session store. idleTimeout <= 0 disables idle resets.
func NewStore(defaultLang string, idleTimeout time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:         log.With("component", "session.store"),
		defaultLang: defaultLang,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*tracked),
	}
}

// GetOrCreate returns the session for an endpoint, creating it on the first
// utterance from a new endpoint.
func (st *Store) GetOrCreate(endpointID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.getOrCreateLocked(endpointID).session
}

func (st *Store) getOrCreateLocked(endpointID string) *tracked {
	if tr, ok := st.sessions[endpointID]; ok {
		return tr
	}

	now := time.Now().UTC()
	tr := &tracked{session: &Session{
		ID:        endpointID,
		Lang:      st.defaultLang,
		SiteID:    endpointID,
		CreatedAt: now,
		updatedAt: now,
	}}
	st.sessions[endpointID] = tr
	st.log.Debug("Session created", "session_id", endpointID)
	return tr
}

// Lock serializes one pipeline run for the endpoint's session and returns
// the session plus an unlock func. Different sessions lock independently.
func (st *Store) Lock(endpointID string) (*Session, func()) {
	st.mu.Lock()
	tr := st.getOrCreateLocked(endpointID)
	st.mu.Unlock()

	tr.runMu.Lock()
	return tr.session, tr.runMu.Unlock
}

// PushContext adds or refreshes a context entry on the session.
func (st *Store) PushContext(sessionID string, entry ContextEntry) {
	sess := st.GetOrCreate(sessionID)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	sess.push(entry)
}

// DecayAndPrune runs the once-per-utterance turn decay for a session. The
// caller invokes it after matching completes, so matching always sees the
// state from before the current utterance's own side effects.
func (st *Store) DecayAndPrune(sessionID string) {
	st.mu.Lock()
	tr, ok := st.sessions[sessionID]
	st.mu.Unlock()
	if !ok {
		return
	}

	tr.session.decayAndPrune(time.Now().UTC())
}

// SetActiveSkill records which skill holds the conversation, or clears it
// with an empty id.
func (st *Store) SetActiveSkill(sessionID, skillID string) {
	st.GetOrCreate(sessionID).setActiveSkill(skillID)
}

// DeactivateSkill clears the active skill in every session where it holds
// the conversation, used when the skill is unregistered.
func (st *Store) DeactivateSkill(skillID string) {
	st.mu.Lock()
	all := make([]*Session, 0, len(st.sessions))
	for _, tr := range st.sessions {
		all = append(all, tr.session)
	}
	st.mu.Unlock()

	for _, sess := range all {
		if sess.ActiveSkill() == skillID {
			sess.setActiveSkill("")
		}
	}
}

// Reset clears a session's context and active skill. Context entries never
// outlive the session that created them.
func (st *Store) Reset(sessionID string) {
	st.mu.Lock()
	tr, ok := st.sessions[sessionID]
	st.mu.Unlock()
	if !ok {
		return
	}

	tr.session.reset(time.Now().UTC())
	st.log.Debug("Session reset", "session_id", sessionID)
}

// RunIdleSweeper resets sessions idle past the configured timeout until ctx
// is canceled.
func (st *Store) RunIdleSweeper(ctx context.Context) {
	if st.idleTimeout <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(st.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.sweepIdle(time.Now().UTC())
		}
	}
}

func (st *Store) sweepIdle(now time.Time) {
	st.mu.Lock()
	var stale []*tracked
	for _, tr := range st.sessions {
		if now.Sub(tr.session.UpdatedAt()) >= st.idleTimeout {
			stale = append(stale, tr)
		}
	}
	st.mu.Unlock()

	for _, tr := range stale {
		tr.runMu.Lock()
		if tr.session.ActiveSkill() != "" || tr.session.entryCount() > 0 {
			st.log.Debug("Idle session reset", "session_id", tr.session.ID)
		}
		tr.session.reset(now)
		tr.runMu.Unlock()
	}
}
