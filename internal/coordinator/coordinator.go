// Package coordinator implements the two-of-two rendezvous between the
// locally archived monitoring artifact and the remote recording reference.
// Whichever side arrives last fires the analysis trigger, exactly once.
package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TriggerFunc starts downstream analysis for a completed rendezvous.
type TriggerFunc func(sessionID, localArtifactID, remoteURL string)

type callSession struct {
	sessionID       string
	localArtifactID string
	remoteURL       string
	createdAt       time.Time

	// fired marks a record whose trigger decision has been taken. Set in
	// the same critical section that decides to fire; a setter that locks
	// the record afterwards must abandon it and start over on a fresh one.
	fired bool
	mu    sync.Mutex
}

func (c *callSession) completeLocked() bool {
	return c.localArtifactID != "" && c.remoteURL != ""
}

// PendingSession is a monitoring snapshot of one incomplete rendezvous.
type PendingSession struct {
	SessionID   string    `json:"session_id"`
	HasArtifact bool      `json:"has_artifact"`
	HasRemote   bool      `json:"has_remote"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats aggregates coordinator activity.
type Stats struct {
	Pending        int    `json:"pending"`
	TriggersFired  uint64 `json:"triggers_fired"`
	StaleDiscarded uint64 `json:"stale_discarded"`
}

// Coordinator keys rendezvous state by call session id. The registry lock
// guards only the map; each session carries its own lock. Registry-lock
// holders never take session locks, which keeps the nested delete in
// setAndMaybeTrigger free of lock cycles.
type Coordinator struct {
	sessions map[string]*callSession
	mu       sync.Mutex

	trigger TriggerFunc
	logger  *slog.Logger

	staleTimeout time.Duration

	statsMu        sync.Mutex
	triggersFired  uint64
	staleDiscarded uint64

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// New creates a coordinator. staleTimeout bounds how long a one-sided
// rendezvous is kept before being discarded; zero keeps them forever.
func New(logger *slog.Logger, staleTimeout time.Duration, trigger TriggerFunc) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		sessions:     make(map[string]*callSession),
		trigger:      trigger,
		logger:       logger,
		staleTimeout: staleTimeout,
		ctx:          ctx,
		cancel:       cancel,
		cleanup:      make(chan struct{}),
	}

	go c.startCleanupRoutine()

	return c
}

// SetLocalArtifact records the locally archived artifact for a session.
// Setting it again before the trigger overwrites the previous value.
func (c *Coordinator) SetLocalArtifact(sessionID, artifactID string) {
	c.setAndMaybeTrigger(sessionID, func(s *callSession) {
		if s.localArtifactID != "" && s.localArtifactID != artifactID {
			c.logger.Warn("Replacing local artifact in pending rendezvous",
				slog.String("session_id", sessionID),
				slog.String("previous", s.localArtifactID),
				slog.String("replacement", artifactID),
			)
		}
		s.localArtifactID = artifactID
	})
}

// SetRemoteArtifactReference records the remote recording reference for a
// session. Setting it again before the trigger overwrites the previous value.
func (c *Coordinator) SetRemoteArtifactReference(sessionID, url string) {
	c.setAndMaybeTrigger(sessionID, func(s *callSession) {
		if s.remoteURL != "" && s.remoteURL != url {
			c.logger.Warn("Replacing remote reference in pending rendezvous",
				slog.String("session_id", sessionID),
				slog.String("previous", s.remoteURL),
				slog.String("replacement", url),
			)
		}
		s.remoteURL = url
	})
}

// setAndMaybeTrigger is the single mutation path. The trigger decision and
// the record deletion happen under the same session-lock hold, so two
// concurrent last-arrivals cannot both fire, and a notification landing
// after the trigger starts a fresh rendezvous instead of touching the old
// one.
func (c *Coordinator) setAndMaybeTrigger(sessionID string, set func(*callSession)) {
	var session *callSession
	for {
		session = c.getOrCreate(sessionID)

		session.mu.Lock()
		if !session.fired {
			break
		}
		// The record completed and fired between our map lookup and taking
		// its lock. It is already gone from the registry; start over on a
		// fresh record instead of re-firing this one.
		session.mu.Unlock()
	}
	set(session)

	if !session.completeLocked() {
		pending := "remote reference"
		if session.localArtifactID == "" {
			pending = "local artifact"
		}
		session.mu.Unlock()
		c.logger.Info("Rendezvous waiting",
			slog.String("session_id", sessionID),
			slog.String("waiting_for", pending),
		)
		return
	}

	session.fired = true
	artifactID := session.localArtifactID
	remoteURL := session.remoteURL

	c.mu.Lock()
	// Only delete our own record: a stale-cleanup may have removed it and
	// a fresh one taken its place while we held the session lock.
	if c.sessions[sessionID] == session {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()
	session.mu.Unlock()

	c.statsMu.Lock()
	c.triggersFired++
	c.statsMu.Unlock()

	c.logger.Info("Rendezvous complete, firing analysis trigger",
		slog.String("session_id", sessionID),
		slog.String("artifact_id", artifactID),
		slog.String("remote_url", remoteURL),
	)

	if c.trigger != nil {
		c.trigger(sessionID, artifactID, remoteURL)
	}
}

func (c *Coordinator) getOrCreate(sessionID string) *callSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionID]; ok {
		return s
	}
	s := &callSession{sessionID: sessionID, createdAt: time.Now()}
	c.sessions[sessionID] = s
	return s
}

// Pending returns a snapshot of incomplete rendezvous records.
func (c *Coordinator) Pending() []PendingSession {
	c.mu.Lock()
	sessions := make([]*callSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	out := make([]PendingSession, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, PendingSession{
			SessionID:   s.sessionID,
			HasArtifact: s.localArtifactID != "",
			HasRemote:   s.remoteURL != "",
			CreatedAt:   s.createdAt,
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// GetStats returns aggregate coordinator counters.
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	pending := len(c.sessions)
	c.mu.Unlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{
		Pending:        pending,
		TriggersFired:  c.triggersFired,
		StaleDiscarded: c.staleDiscarded,
	}
}

// Stop cancels the cleanup routine and waits for it.
func (c *Coordinator) Stop() {
	c.cancel()
	<-c.cleanup
}

func (c *Coordinator) startCleanupRoutine() {
	defer close(c.cleanup)

	if c.staleTimeout <= 0 {
		<-c.ctx.Done()
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.discardStale()
		}
	}
}

// discardStale drops one-sided rendezvous records whose peer never showed
// up. The next notification for such a session starts over cleanly.
func (c *Coordinator) discardStale() {
	cutoff := time.Now().Add(-c.staleTimeout)

	c.mu.Lock()
	stale := make([]string, 0)
	for id, s := range c.sessions {
		if s.createdAt.Before(cutoff) {
			stale = append(stale, id)
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	c.statsMu.Lock()
	c.staleDiscarded += uint64(len(stale))
	c.statsMu.Unlock()

	for _, id := range stale {
		c.logger.Warn("Discarded stale rendezvous, peer never arrived",
			slog.String("session_id", id),
			slog.Duration("max_age", c.staleTimeout),
		)
	}
}
