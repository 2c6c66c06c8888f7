package repair

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically runs the tracker's Expire cleanup in the background.
// Lazy expiry on the read path already keeps results correct; the sweeper is
// hygiene so abandoned state doesn't accumulate between reads.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over the tracker. A zero interval defaults to
// five minutes.
func NewSweeper(tracker *Tracker, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	return &Sweeper{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("repair sweeper started",
		zap.Duration("interval", s.interval),
	)

	for {
		select {
		case <-ticker.C:
			s.tracker.Expire(context.Background())
		case <-s.stop:
			s.logger.Debug("repair sweeper stopped")
			return
		}
	}
}

// Close stops the sweep loop and waits for it to exit.
func (s *Sweeper) Close() {
	close(s.stop)
	<-s.done
}
