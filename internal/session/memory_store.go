package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walletmesh/router-core/pkg/log"
)

// MemoryStore is the in-memory session store variant: a mutex-guarded map
// plus an optional background sweep ticker, grounded on the shape of the
// teacher's AuthManager challenge/session bookkeeping.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	cfg      Config
	logger   log.Logger
	ticker   *time.Ticker
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory session store and, unless sweeping is
// disabled, starts the background expiry sweeper.
func NewMemoryStore(cfg Config, logger log.Logger) *MemoryStore {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	s := &MemoryStore{
		records: make(map[string]*Record),
		cfg:     cfg,
		logger:  logger.WithName("session.memory"),
		stopCh:  make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		s.ticker = time.NewTicker(cfg.SweepInterval)
		go s.sweepLoop()
	}
	return s
}

func (s *MemoryStore) sweepLoop() {
	for {
		select {
		case <-s.ticker.C:
			n, err := s.CleanExpired(context.Background())
			if err != nil {
				s.logger.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("session sweep removed expired records", "count", n)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) Create(_ context.Context, origin string, permissions Permissions, metadata map[string]string) (*Record, error) {
	if origin == "" {
		return nil, fmt.Errorf("session: origin must not be empty")
	}
	now := time.Now()
	record := &Record{
		SessionID:     uuid.NewString(),
		Origin:        origin,
		CreatedAt:     now,
		LastActiveAt:  now,
		ExpiresAt:     now.Add(s.cfg.Lifetime),
		Permissions:   permissions,
		Subscriptions: make(map[string]bool),
		Metadata:      metadata,
	}
	if record.Permissions == nil {
		record.Permissions = make(Permissions)
	}
	if record.Metadata == nil {
		record.Metadata = make(map[string]string)
	}

	s.mu.Lock()
	s.records[record.SessionID] = record
	s.mu.Unlock()

	return record.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	s.mu.RLock()
	record, ok := s.records[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if isExpired(record, time.Now()) {
		return nil, nil
	}
	return record.Clone(), nil
}

func (s *MemoryStore) ValidateAndRefresh(_ context.Context, sessionID, origin string) (*Record, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[sessionID]
	if !ok || isExpired(record, now) || record.Origin != origin {
		return nil, nil
	}
	if s.cfg.RefreshOnAccess {
		refresh(record, s.cfg.Lifetime, now)
	}
	return record.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, updated *Record) error {
	if updated == nil {
		return fmt.Errorf("session: cannot update a nil record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[updated.SessionID]
	if !ok {
		return fmt.Errorf("session: %q does not exist", updated.SessionID)
	}
	if isExpired(existing, time.Now()) {
		return fmt.Errorf("session: %q has expired", updated.SessionID)
	}
	s.records[updated.SessionID] = updated.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func (s *MemoryStore) CleanExpired(_ context.Context) (int, error) {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, record := range s.records {
		if isExpired(record, now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
	return nil
}
