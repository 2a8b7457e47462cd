package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/zxc88645/AudioAssuranceSystem/internal/archive"
	"github.com/zxc88645/AudioAssuranceSystem/internal/audio"
	"github.com/zxc88645/AudioAssuranceSystem/internal/transcode"
)

// Archiver persists a merged audio file and returns its permanent identity.
// Satisfied by *archive.Store.
type Archiver interface {
	Archive(sourcePath, sessionID string, participantIDs []string) (*archive.Artifact, error)
}

// SinkFunc receives the archived artifact of a drained room. Called
// synchronously at the tail of the drain so downstream handoff keeps the
// drain, merge, archive ordering.
type SinkFunc func(sessionID string, artifact *archive.Artifact)

// Observer records ingest activity. Implemented by the metrics registry;
// a nil observer disables recording.
type Observer interface {
	RecordIngestChunk(channel string, bytes int)
	RecordDecodeFailure(channel string)
	RecordRoomDrained(channel string, validStreams int)
	RecordArtifactArchived(channel string, sizeBytes int64)
	SetActiveStreams(channel string, count int)
}

// ServiceConfig configures one ingest channel.
type ServiceConfig struct {
	// Channel names the capture side, "recording" or "monitoring". Used in
	// logs and metrics only.
	Channel string

	// Policy selects the merge strategy for drained rooms.
	Policy audio.Policy

	// SampleRate the transcoder emits and the merge engine expects.
	SampleRate int

	// DecodeTimeout bounds a single transcoder invocation.
	DecodeTimeout time.Duration

	// StaleTimeout after which an idle room is discarded without an
	// artifact. Zero disables the cleanup routine.
	StaleTimeout time.Duration

	// TempDir for intermediate merged files. Empty means the OS default.
	TempDir string
}

// ServiceStats is an aggregate monitoring snapshot for one channel.
type ServiceStats struct {
	Channel          string `json:"channel"`
	ActiveRooms      int    `json:"active_rooms"`
	ActiveStreams    int    `json:"active_streams"`
	RoomsDrained     uint64 `json:"rooms_drained"`
	ArtifactsCreated uint64 `json:"artifacts_created"`
	DecodeFailures   uint64 `json:"decode_failures"`
	DroppedChunks    uint64 `json:"dropped_chunks"`
	DiscardedRooms   uint64 `json:"discarded_rooms"`
}

// Service owns the rooms of one capture channel. Each Room carries its own
// lock; the Service lock guards only the registry map.
type Service struct {
	cfg        ServiceConfig
	transcoder transcode.Transcoder
	store      Archiver
	sink       SinkFunc
	logger     *slog.Logger
	observer   Observer

	rooms map[string]*Room
	mu    sync.RWMutex

	statsMu          sync.Mutex
	activeStreams    int
	roomsDrained     uint64
	artifactsCreated uint64
	decodeFailures   uint64
	droppedChunks    uint64
	discardedRooms   uint64

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewService creates the ingest service for one channel and starts its
// stale-room cleanup routine.
func NewService(logger *slog.Logger, cfg ServiceConfig, transcoder transcode.Transcoder, store Archiver, sink SinkFunc, observer Observer) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		cfg:        cfg,
		transcoder: transcoder,
		store:      store,
		sink:       sink,
		logger:     logger,
		observer:   observer,
		rooms:      make(map[string]*Room),
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	go s.startCleanupRoutine()

	return s
}

// Connect registers a participant stream in a room, creating the room on
// first join. Reconnecting an existing participant reactivates their stream.
func (s *Service) Connect(roomID, participantID string) error {
	if roomID == "" || participantID == "" {
		return fmt.Errorf("room id and participant id are required")
	}

	s.mu.Lock()
	room, exists := s.rooms[roomID]
	if !exists {
		room = newRoom(roomID)
		s.rooms[roomID] = room
	}
	s.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.drainHandled {
		return fmt.Errorf("room %s is draining", roomID)
	}

	room.LastActivity = time.Now()

	if stream, ok := room.streams[participantID]; ok {
		if stream.Active {
			s.logger.Warn("Participant already connected",
				slog.String("channel", s.cfg.Channel),
				slog.String("room_id", roomID),
				slog.String("participant_id", participantID),
			)
			return nil
		}
		stream.Active = true
		s.adjustActiveStreams(1)
		s.logger.Info("Participant stream reactivated",
			slog.String("channel", s.cfg.Channel),
			slog.String("room_id", roomID),
			slog.String("participant_id", participantID),
		)
		return nil
	}

	room.streams[participantID] = &ParticipantStream{
		ID:       participantID,
		JoinedAt: time.Now(),
		Active:   true,
	}
	s.adjustActiveStreams(1)

	s.logger.Info("Participant stream connected",
		slog.String("channel", s.cfg.Channel),
		slog.String("room_id", roomID),
		slog.String("participant_id", participantID),
		slog.Int("room_participants", len(room.streams)),
	)

	return nil
}

// Push appends a captured chunk to a participant's stream. Chunks arriving
// after the stream was deactivated are dropped, not errors.
func (s *Service) Push(roomID, participantID string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.RLock()
	room, exists := s.rooms[roomID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("unknown room %s", roomID)
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	stream, ok := room.streams[participantID]
	if !ok {
		return fmt.Errorf("unknown participant %s in room %s", participantID, roomID)
	}

	if !stream.Active || room.drainHandled {
		s.statsMu.Lock()
		s.droppedChunks++
		s.statsMu.Unlock()
		s.logger.Debug("Dropping chunk for inactive stream",
			slog.String("channel", s.cfg.Channel),
			slog.String("room_id", roomID),
			slog.String("participant_id", participantID),
			slog.Int("chunk_bytes", len(chunk)),
		)
		return nil
	}

	stream.data = append(stream.data, chunk...)
	stream.ChunkCount++
	room.LastActivity = time.Now()

	if s.observer != nil {
		s.observer.RecordIngestChunk(s.cfg.Channel, len(chunk))
	}

	return nil
}

// Disconnect deactivates a participant stream. When that leaves the room with
// no active streams, exactly one caller claims the drain and runs the full
// merge, archive, handoff path synchronously before returning.
func (s *Service) Disconnect(roomID, participantID string) error {
	s.mu.RLock()
	room, exists := s.rooms[roomID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("unknown room %s", roomID)
	}

	room.mu.Lock()

	stream, ok := room.streams[participantID]
	if !ok {
		room.mu.Unlock()
		return fmt.Errorf("unknown participant %s in room %s", participantID, roomID)
	}
	if stream.Active {
		stream.Active = false
		s.adjustActiveStreams(-1)
	}
	room.LastActivity = time.Now()

	s.logger.Info("Participant stream deactivated",
		slog.String("channel", s.cfg.Channel),
		slog.String("room_id", roomID),
		slog.String("participant_id", participantID),
		slog.Int("buffered_bytes", len(stream.data)),
	)

	// The drainHandled claim is the one atomic decision point: the check
	// and the claim happen under the same lock hold, so two concurrent
	// final disconnects cannot both take the drain.
	if room.drainHandled || anyActive(room) {
		room.mu.Unlock()
		return nil
	}
	room.drainHandled = true
	snap := snapshotLocked(room)
	room.mu.Unlock()

	err := s.drain(snap)
	s.removeRoom(roomID)
	return err
}

func anyActive(room *Room) bool {
	for _, st := range room.streams {
		if st.Active {
			return true
		}
	}
	return false
}

func snapshotLocked(room *Room) drainSnapshot {
	snap := drainSnapshot{roomID: room.ID}
	for _, st := range room.streams {
		snap.streams = append(snap.streams, streamSnapshot{
			participantID: st.ID,
			joinedAt:      st.JoinedAt,
			data:          st.data,
		})
	}
	// Deterministic track order: join order decides channel assignment
	// under the channel-join policy.
	sort.Slice(snap.streams, func(i, j int) bool {
		if snap.streams[i].joinedAt.Equal(snap.streams[j].joinedAt) {
			return snap.streams[i].participantID < snap.streams[j].participantID
		}
		return snap.streams[i].joinedAt.Before(snap.streams[j].joinedAt)
	})
	return snap
}

// drain decodes every buffered stream, merges the valid ones and archives
// the result. Per-stream decode failures are absorbed; a room with zero
// valid streams produces no artifact.
func (s *Service) drain(snap drainSnapshot) error {
	s.statsMu.Lock()
	s.roomsDrained++
	s.statsMu.Unlock()

	var tracks [][]int16
	var participantIDs []string

	for _, st := range snap.streams {
		samples, err := s.decodeStream(st)
		if err != nil {
			s.statsMu.Lock()
			s.decodeFailures++
			s.statsMu.Unlock()
			if s.observer != nil {
				s.observer.RecordDecodeFailure(s.cfg.Channel)
			}
			s.logger.Warn("Stream excluded from merge",
				slog.String("channel", s.cfg.Channel),
				slog.String("room_id", snap.roomID),
				slog.String("participant_id", st.participantID),
				slog.String("error", err.Error()),
			)
			continue
		}
		tracks = append(tracks, samples)
		participantIDs = append(participantIDs, st.participantID)
	}

	if s.observer != nil {
		s.observer.RecordRoomDrained(s.cfg.Channel, len(tracks))
	}

	if len(tracks) == 0 {
		s.logger.Error("Room drained with no usable streams, no artifact produced",
			slog.String("channel", s.cfg.Channel),
			slog.String("room_id", snap.roomID),
			slog.Int("total_streams", len(snap.streams)),
		)
		return fmt.Errorf("room %s drained with no usable streams", snap.roomID)
	}

	merged, err := audio.Merge(s.cfg.Policy, tracks, s.cfg.SampleRate)
	if err != nil {
		return fmt.Errorf("merge room %s: %w", snap.roomID, err)
	}

	tmp, err := os.CreateTemp(s.cfg.TempDir, "merge-*.wav")
	if err != nil {
		return fmt.Errorf("create merge temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(merged); err != nil {
		tmp.Close()
		return fmt.Errorf("write merge temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close merge temp file: %w", err)
	}

	artifact, err := s.store.Archive(tmpPath, snap.roomID, participantIDs)
	if err != nil {
		return fmt.Errorf("archive room %s: %w", snap.roomID, err)
	}

	s.statsMu.Lock()
	s.artifactsCreated++
	s.statsMu.Unlock()
	if s.observer != nil {
		s.observer.RecordArtifactArchived(s.cfg.Channel, artifact.SizeBytes)
	}

	s.logger.Info("Room drained and archived",
		slog.String("channel", s.cfg.Channel),
		slog.String("room_id", snap.roomID),
		slog.String("artifact_id", artifact.ID),
		slog.String("policy", string(s.cfg.Policy)),
		slog.Int("merged_streams", len(tracks)),
		slog.Int64("artifact_bytes", artifact.SizeBytes),
	)

	if s.sink != nil {
		s.sink(snap.roomID, artifact)
	}

	return nil
}

func (s *Service) decodeStream(st streamSnapshot) ([]int16, error) {
	if len(st.data) == 0 {
		return nil, errors.New("stream has no buffered audio")
	}

	ctx := s.ctx
	if s.cfg.DecodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DecodeTimeout)
		defer cancel()
	}

	wav, err := s.transcoder.Decode(ctx, st.data)
	if err != nil {
		return nil, err
	}

	samples, _, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("decode transcoder output: %w", err)
	}
	return samples, nil
}

// adjustActiveStreams keeps the channel's live-stream count, reporting it to
// the observer on every change.
func (s *Service) adjustActiveStreams(delta int) {
	s.statsMu.Lock()
	s.activeStreams += delta
	count := s.activeStreams
	s.statsMu.Unlock()

	if s.observer != nil {
		s.observer.SetActiveStreams(s.cfg.Channel, count)
	}
}

func (s *Service) removeRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// Rooms returns a monitoring snapshot of all rooms on this channel.
func (s *Service) Rooms() []RoomInfo {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, r.info(s.cfg.Channel))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].RoomID < infos[j].RoomID })
	return infos
}

// Stats returns aggregate counters for this channel.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	active := len(s.rooms)
	s.mu.RUnlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return ServiceStats{
		Channel:          s.cfg.Channel,
		ActiveRooms:      active,
		ActiveStreams:    s.activeStreams,
		RoomsDrained:     s.roomsDrained,
		ArtifactsCreated: s.artifactsCreated,
		DecodeFailures:   s.decodeFailures,
		DroppedChunks:    s.droppedChunks,
		DiscardedRooms:   s.discardedRooms,
	}
}

// Stop cancels background work and waits for the cleanup routine.
func (s *Service) Stop() {
	s.cancel()
	<-s.cleanup
}

// startCleanupRoutine discards rooms that have been idle past the stale
// timeout. A discarded room produces no artifact; the capture side went
// away without an orderly disconnect.
func (s *Service) startCleanupRoutine() {
	defer close(s.cleanup)

	if s.cfg.StaleTimeout <= 0 {
		<-s.ctx.Done()
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.discardStaleRooms()
		}
	}
}

func (s *Service) discardStaleRooms() {
	now := time.Now()

	s.mu.RLock()
	candidates := make([]*Room, 0)
	for _, room := range s.rooms {
		candidates = append(candidates, room)
	}
	s.mu.RUnlock()

	for _, room := range candidates {
		room.mu.Lock()
		stale := !room.drainHandled && now.Sub(room.LastActivity) > s.cfg.StaleTimeout
		var abandoned int
		if stale {
			room.drainHandled = true
			for _, st := range room.streams {
				if st.Active {
					abandoned++
				}
			}
		}
		room.mu.Unlock()

		if !stale {
			continue
		}

		s.removeRoom(room.ID)
		if abandoned > 0 {
			s.adjustActiveStreams(-abandoned)
		}
		s.statsMu.Lock()
		s.discardedRooms++
		s.statsMu.Unlock()

		s.logger.Warn("Discarded stale room",
			slog.String("channel", s.cfg.Channel),
			slog.String("room_id", room.ID),
			slog.Duration("idle", now.Sub(room.LastActivity)),
		)
	}
}
