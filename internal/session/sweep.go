package session

import (
	"time"

	"github.com/google/uuid"
)

func newSessionID() string { return uuid.NewString() }

// stopSweeper runs fn on every tick until stopped. Shared by GormStore;
// MemoryStore inlines its own loop since it needs to close alongside its
// map's lifetime rather than a DB handle's.
type stopSweeper struct {
	ticker *time.Ticker
	done   chan struct{}
}

func newStopSweeper(interval time.Duration, fn func()) *stopSweeper {
	s := &stopSweeper{ticker: time.NewTicker(interval), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-s.ticker.C:
				fn()
			case <-s.done:
				return
			}
		}
	}()
	return s
}

func (s *stopSweeper) stop() {
	s.ticker.Stop()
	close(s.done)
}
