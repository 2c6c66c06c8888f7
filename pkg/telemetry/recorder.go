// Package telemetry provides the append-only analytics sink for repair
// attempts, user feedback, and raw generator output, plus the aggregate cache
// statistics served to dashboards.
//
// The recorder decouples telemetry writes from the HTTP hot path with an
// asynchronous worker pool: a storage failure is logged and swallowed, and a
// full queue drops the record rather than blocking the request.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simweave/simweave/pkg/eventstream"
	"github.com/simweave/simweave/pkg/eventstream/nop"
	"github.com/simweave/simweave/pkg/store"
)

var (
	defaultNumWorkers   uint = 2
	defaultJobQueueSize uint = 256
)

// MinTier and MaxTier bound the repair-strategy ranking, from cheapest/local
// syntax fix (1) to LLM-assisted plus both local fixes (4).
const (
	MinTier = 1
	MaxTier = 4
)

// job is one queued telemetry write.
type job struct {
	attempt   *store.RepairAttempt
	feedback  *store.Feedback
	rawOutput *store.RawOutput
}

// Config is the configuration options for the recorder.
type Config struct {
	// Store persists telemetry records and serves aggregate stats.
	Store store.TelemetryStore

	// Entries is consulted to refresh running ratings when feedback
	// arrives. Optional.
	Entries store.EntryStore

	// Publisher optionally fans events out to an external stream.
	// Defaults to the nop publisher.
	Publisher eventstream.Publisher

	// NumWorkers is the number of background writer goroutines.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// Logger is the provided zap logger.
	Logger *zap.Logger
}

// Recorder processes telemetry writes asynchronously via a worker pool.
type Recorder struct {
	config *Config
	queue  chan job
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewRecorder creates a recorder and starts its worker goroutines.
func NewRecorder(c *Config) (*Recorder, error) {
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	if c.Publisher == nil {
		c.Publisher = nop.NewPublisher()
	}

	r := &Recorder{
		config: c,
		queue:  make(chan job, c.QueueSize),
		logger: c.Logger,
	}

	r.wg.Add(int(c.NumWorkers))
	for i := uint(0); i < c.NumWorkers; i++ {
		go r.worker(i)
	}

	return r, nil
}

// RecordRepairAttempt records one attempt at fixing a broken diagram.
// Returns true if enqueued, false if the queue is full and the record was
// dropped.
func (r *Recorder) RecordRepairAttempt(a *store.RepairAttempt) bool {
	if a.Tier < MinTier || a.Tier > MaxTier {
		r.logger.Warn("repair attempt with out-of-range tier",
			zap.Int("tier", a.Tier),
			zap.String("prompt_key", a.PromptKey),
		)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return r.enqueue(job{attempt: a})
}

// RecordFeedback records one user rating (+1/-1) tied to a prompt.
func (r *Recorder) RecordFeedback(f *store.Feedback) bool {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return r.enqueue(job{feedback: f})
}

// RecordRawOutput records the generator's raw, pre-sanitization output.
func (r *Recorder) RecordRawOutput(raw *store.RawOutput) bool {
	if raw.CreatedAt.IsZero() {
		raw.CreatedAt = time.Now().UTC()
	}
	return r.enqueue(job{rawOutput: raw})
}

// Stats returns the aggregate cache statistics. Synchronous: dashboards read
// through to the store.
func (r *Recorder) Stats(ctx context.Context) (*store.CacheStats, error) {
	return r.config.Store.Stats(ctx)
}

// TierRollups returns the daily per-tier rollup counters for a day.
func (r *Recorder) TierRollups(ctx context.Context, day string) ([]store.TierRollup, error) {
	return r.config.Store.TierRollups(ctx, day)
}

func (r *Recorder) enqueue(j job) bool {
	select {
	case r.queue <- j:
		return true
	default:
		r.logger.Error("telemetry queue full, record dropped")
		return false
	}
}

// Close signals workers to stop and waits for in-flight writes to drain.
func (r *Recorder) Close() {
	close(r.queue)
	r.wg.Wait()

	if err := r.config.Publisher.Close(); err != nil {
		r.logger.Warn("closing eventstream publisher", zap.Error(err))
	}
}

// worker continuously pulls jobs off the queue.
func (r *Recorder) worker(id uint) {
	defer r.wg.Done()
	r.logger.Debug("telemetry worker started", zap.Uint("worker_id", id))

	for j := range r.queue {
		r.process(j)
	}

	r.logger.Debug("telemetry worker stopped", zap.Uint("worker_id", id))
}

// process writes one record. Failures are logged, never propagated: telemetry
// must not unwind into the request path.
func (r *Recorder) process(j job) {
	ctx := context.Background()

	switch {
	case j.attempt != nil:
		if err := r.config.Store.AppendRepairAttempt(ctx, j.attempt); err != nil {
			r.logger.Warn("failed to record repair attempt",
				zap.String("prompt_key", j.attempt.PromptKey),
				zap.Int("tier", j.attempt.Tier),
				zap.Error(err),
			)
			return
		}
		r.publish(ctx, &eventstream.TelemetryEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeRepairAttempt,
			EventID:       uuid.NewString(),
			EmittedAt:     time.Now().UTC(),
			SessionID:     j.attempt.SessionID,
			PromptKey:     j.attempt.PromptKey,
			StepIndex:     j.attempt.StepIndex,
			Tier:          j.attempt.Tier,
			Success:       j.attempt.Success,
			DurationMs:    j.attempt.DurationMs,
		})

	case j.feedback != nil:
		if err := r.config.Store.AppendFeedback(ctx, j.feedback); err != nil {
			r.logger.Warn("failed to record feedback",
				zap.String("prompt_key", j.feedback.PromptKey),
				zap.Error(err),
			)
			return
		}

		if r.config.Entries != nil {
			if err := r.config.Entries.RefreshRating(ctx, j.feedback.PromptKey, j.feedback.Difficulty); err != nil {
				r.logger.Warn("failed to refresh entry rating",
					zap.String("prompt_key", j.feedback.PromptKey),
					zap.Error(err),
				)
			}
		}

		r.publish(ctx, &eventstream.TelemetryEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeFeedback,
			EventID:       uuid.NewString(),
			EmittedAt:     time.Now().UTC(),
			SessionID:     j.feedback.SessionID,
			PromptKey:     j.feedback.PromptKey,
			Difficulty:    string(j.feedback.Difficulty),
			Rating:        j.feedback.Rating,
		})

	case j.rawOutput != nil:
		if err := r.config.Store.AppendRawOutput(ctx, j.rawOutput); err != nil {
			r.logger.Warn("failed to record raw output",
				zap.String("prompt_key", j.rawOutput.PromptKey),
				zap.Error(err),
			)
		}
	}
}

func (r *Recorder) publish(ctx context.Context, event *eventstream.TelemetryEvent) {
	if err := r.config.Publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish telemetry event",
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}
