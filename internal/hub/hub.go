// Package hub broadcasts analysis progress to observer connections. New
// subscribers get the current state immediately; later events reach every
// healthy subscriber, and consumers that stop draining are pruned.
package hub

import (
	"log/slog"
	"sync"
	"time"
)

// StatusWaiting is the idle state between analysis runs. Publishing it
// clears the session id so observers never see a stale session attached to
// an idle hub.
const StatusWaiting = "waiting"

// Event is one progress update.
type Event struct {
	Status    string         `json:"status"`
	SessionID string         `json:"session_id,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscription is one observer's feed. Events delivers the snapshot first,
// then every subsequent published change.
type Subscription struct {
	Events chan Event

	hub *Hub
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// subscriberBuffer bounds how far a consumer may lag before it is pruned.
const subscriberBuffer = 16

// Hub is the single broadcast point for progress events.
type Hub struct {
	mu          sync.Mutex
	current     Event
	subscribers map[*Subscription]struct{}
	resetTimer  *time.Timer
	logger      *slog.Logger
}

// New creates a hub resting in the waiting state.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		current:     Event{Status: StatusWaiting, Timestamp: time.Now()},
		subscribers: make(map[*Subscription]struct{}),
		logger:      logger,
	}
}

// Subscribe attaches a new observer. The current state is queued on the
// returned subscription before this call returns, so the observer's first
// event is always the snapshot, never a later update.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		Events: make(chan Event, subscriberBuffer),
		hub:    h,
	}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	sub.Events <- h.current
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug("Progress observer subscribed", slog.Int("subscribers", count))
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

func (h *Hub) dropLocked(sub *Subscription) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.Events)
}

// Publish records a state change and fans it out. A publish that changes
// nothing is suppressed unless forced. Publishing StatusWaiting clears the
// session id regardless of what the caller passed.
func (h *Hub) Publish(status, sessionID string, extra map[string]any, forced bool) {
	h.mu.Lock()

	if status == StatusWaiting {
		sessionID = ""
		h.stopResetTimerLocked()
	}

	if !forced && h.current.Status == status && h.current.SessionID == sessionID {
		h.mu.Unlock()
		return
	}

	event := Event{
		Status:    status,
		SessionID: sessionID,
		Extra:     extra,
		Timestamp: time.Now(),
	}
	h.current = event

	var pruned int
	for sub := range h.subscribers {
		select {
		case sub.Events <- event:
		default:
			// Consumer stopped draining; cut it loose rather than
			// stalling the broadcast.
			h.dropLocked(sub)
			pruned++
		}
	}
	remaining := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Info("Progress published",
		slog.String("status", status),
		slog.String("session_id", sessionID),
		slog.Bool("forced", forced),
		slog.Int("subscribers", remaining),
	)
	if pruned > 0 {
		h.logger.Warn("Pruned stalled progress observers", slog.Int("pruned", pruned))
	}
}

// Current returns the present state.
func (h *Hub) Current() Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// SubscriberCount returns the number of attached observers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// ScheduleWaitingReset arms a one-shot fallback to the waiting state after
// the delay, replacing any previously armed reset. Any publish of a fresh
// waiting state, or a new schedule, disarms the old timer.
func (h *Hub) ScheduleWaitingReset(delay time.Duration) {
	h.mu.Lock()
	h.stopResetTimerLocked()
	h.resetTimer = time.AfterFunc(delay, func() {
		h.Publish(StatusWaiting, "", nil, false)
	})
	h.mu.Unlock()
}

func (h *Hub) stopResetTimerLocked() {
	if h.resetTimer != nil {
		h.resetTimer.Stop()
		h.resetTimer = nil
	}
}

// Reset forces the hub back to waiting immediately.
func (h *Hub) Reset() {
	h.Publish(StatusWaiting, "", nil, true)
}
