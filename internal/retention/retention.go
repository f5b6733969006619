// Package retention trims chat history so each room keeps only its newest
// messages.
package retention

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Interval time.Duration
	// Keep is the number of newest messages retained per room. Zero or
	// less disables pruning.
	Keep int
	// Threshold skips rooms holding fewer messages than this.
	Threshold int
}

// Store is the slice of persistence the service needs.
type Store interface {
	RoomIDs(ctx context.Context) ([]string, error)
	MessageCount(ctx context.Context, roomID string) (int, error)
	PruneMessages(ctx context.Context, roomID string, keep int) (int64, error)
}

type Service struct {
	store  Store
	config Config
	logger *zap.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(store Store, config Config, logger *zap.Logger) *Service {
	if config.Threshold < config.Keep {
		config.Threshold = config.Keep
	}
	return &Service{
		store:  store,
		config: config,
		logger: logger.Named("retention"),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Enabled() bool {
	return s.config.Keep > 0 && s.config.Interval > 0
}

// Start prunes once immediately, then every interval until Stop.
func (s *Service) Start() {
	if !s.Enabled() {
		s.logger.Info("retention disabled")
		return
	}
	s.wg.Add(1)
	go s.run()
	s.logger.Info("retention started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("keep", s.config.Keep))
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.PruneAll(ctx)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.PruneAll(ctx)
		}
	}
}

// PruneAll trims every room over the threshold and returns the number of
// deleted messages.
func (s *Service) PruneAll(ctx context.Context) int64 {
	if s.config.Keep <= 0 {
		return 0
	}

	ids, err := s.store.RoomIDs(ctx)
	if err != nil {
		s.logger.Warn("list rooms", zap.Error(err))
		return 0
	}

	var total int64
	pruned := 0
	for _, id := range ids {
		n, err := s.PruneRoom(ctx, id)
		if err != nil {
			s.logger.Warn("prune room", zap.String("room", id), zap.Error(err))
			continue
		}
		if n > 0 {
			total += n
			pruned++
		}
	}

	if pruned > 0 {
		s.logger.Info("pruned chat history", zap.Int("rooms", pruned), zap.Int64("messages", total))
	}
	return total
}

func (s *Service) PruneRoom(ctx context.Context, roomID string) (int64, error) {
	count, err := s.store.MessageCount(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if count < s.config.Threshold || count <= s.config.Keep {
		return 0, nil
	}
	return s.store.PruneMessages(ctx, roomID, s.config.Keep)
}
