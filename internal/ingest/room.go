package ingest

import (
	"sync"
	"time"
)

// ParticipantStream accumulates one participant's raw captured audio. The
// bytes stay in whatever container the capture side sent (typically
// WebM/Opus); decoding happens once, at drain time.
type ParticipantStream struct {
	ID         string
	JoinedAt   time.Time
	Active     bool
	ChunkCount int

	data []byte
}

// Room groups the participant streams of one call session. All fields are
// guarded by mu; drainHandled is the once-only claim that makes the drain
// transition atomic under concurrent disconnects.
type Room struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time

	streams      map[string]*ParticipantStream
	drainHandled bool
	mu           sync.Mutex
}

func newRoom(id string) *Room {
	now := time.Now()
	return &Room{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		streams:      make(map[string]*ParticipantStream),
	}
}

// drainSnapshot is the immutable copy of a drained room handed to the merge
// path. Taken under the room lock together with the drainHandled claim.
type drainSnapshot struct {
	roomID  string
	streams []streamSnapshot
}

type streamSnapshot struct {
	participantID string
	joinedAt      time.Time
	data          []byte
}

// RoomInfo is a monitoring snapshot of one room.
type RoomInfo struct {
	RoomID        string    `json:"room_id"`
	Channel       string    `json:"channel"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	Participants  int       `json:"participants"`
	ActiveStreams int       `json:"active_streams"`
	BufferedBytes int64     `json:"buffered_bytes"`
}

func (r *Room) info(channel string) RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RoomInfo{
		RoomID:       r.ID,
		Channel:      channel,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
		Participants: len(r.streams),
	}
	for _, s := range r.streams {
		if s.Active {
			info.ActiveStreams++
		}
		info.BufferedBytes += int64(len(s.data))
	}
	return info
}
