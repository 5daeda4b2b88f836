// Package compaction folds a room's stored update frames into a single
// snapshot so rooms load quickly and storage stays bounded.
package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/tandem/internal/codec"
	"github.com/manpreetbhatti/tandem/internal/crdt"
	"github.com/manpreetbhatti/tandem/internal/db"
)

type Config struct {
	Interval        time.Duration
	UpdateThreshold int
}

func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		UpdateThreshold: 100,
	}
}

type Service struct {
	store  db.Store
	config Config
	logger zerolog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(store db.Store, config Config, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.UpdateThreshold <= 0 {
		config.UpdateThreshold = def.UpdateThreshold
	}
	return &Service{
		store:  store,
		config: config,
		logger: logger.With().Str("component", "compaction").Logger(),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("interval", s.config.Interval).Int("threshold", s.config.UpdateThreshold).
		Msg("compaction service started")
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info().Msg("compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.CompactAll(ctx)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.CompactAll(ctx)
		}
	}
}

// CompactAll compacts every room at or over the threshold and returns how
// many were compacted.
func (s *Service) CompactAll(ctx context.Context) int {
	const page = 1000
	compacted := 0
	for offset := 0; ; offset += page {
		rooms, err := s.store.ListRooms(ctx, page, offset)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to list rooms")
			return compacted
		}
		for _, room := range rooms {
			if !s.shouldCompact(ctx, room.ID) {
				continue
			}
			if _, err := s.compactRoom(ctx, room.ID); err != nil {
				s.logger.Error().Err(err).Str("room", room.ID).Msg("compaction failed")
				continue
			}
			compacted++
		}
		if len(rooms) < page {
			break
		}
	}

	if compacted > 0 {
		s.logger.Info().Int("rooms", compacted).Msg("compacted rooms")
	}
	return compacted
}

func (s *Service) shouldCompact(ctx context.Context, roomID string) bool {
	count, err := s.store.GetUpdateCount(ctx, roomID)
	if err != nil {
		return false
	}
	return count >= s.config.UpdateThreshold
}

// Result describes one compaction.
type Result struct {
	Folded   int
	Skipped  int
	Snapshot int
	Text     string
}

// compactRoom merges the current snapshot and every stored update into one
// replica, saves its full state as the new snapshot and deletes the folded
// updates. Frames that fail to decode are dropped with the rest.
func (s *Service) compactRoom(ctx context.Context, roomID string) (Result, error) {
	updates, err := s.store.GetAllUpdates(ctx, roomID)
	if err != nil {
		return Result{}, err
	}
	if len(updates) == 0 {
		return Result{}, nil
	}

	doc := crdt.NewDoc(crdt.NewReplicaID())
	snapshot, covered, err := s.store.GetSnapshot(ctx, roomID)
	if err != nil {
		return Result{}, err
	}
	if snapshot != nil {
		u, err := codec.Decode(snapshot)
		if err != nil {
			return Result{}, fmt.Errorf("decode snapshot: %w", err)
		}
		if err := doc.Merge(u); err != nil {
			return Result{}, fmt.Errorf("merge snapshot: %w", err)
		}
	}

	var res Result
	for _, stored := range updates {
		u, err := codec.Decode(stored.Data)
		if err == nil {
			err = doc.Merge(u)
		}
		if err != nil {
			res.Skipped++
			s.logger.Warn().Err(err).Str("room", roomID).Int64("update", stored.ID).Msg("dropping unusable update")
			continue
		}
		res.Folded++
	}

	merged, err := codec.EncodeFull(doc)
	if err != nil {
		return Result{}, err
	}
	if err := s.store.SaveSnapshot(ctx, roomID, merged, covered+res.Folded); err != nil {
		return Result{}, err
	}
	last := updates[len(updates)-1].ID
	if err := s.store.DeleteUpdatesThrough(ctx, roomID, last); err != nil {
		return Result{}, err
	}

	res.Snapshot = len(merged)
	res.Text = doc.Text()
	s.logger.Info().Str("room", roomID).Int("updates", len(updates)).Int("snapshot_bytes", res.Snapshot).
		Msg("compacted room")
	return res, nil
}

// CompactNow compacts one room regardless of the threshold.
func (s *Service) CompactNow(ctx context.Context, roomID string) (Result, error) {
	return s.compactRoom(ctx, roomID)
}
