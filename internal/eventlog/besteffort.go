package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/retry"
	"github.com/pixelmint/genroute/internal/types"
)

// BestEffort wraps a Log so that appends from the request path never block
// and never fail the request. Events are buffered and written by a background
// worker with a small bounded retry; when the buffer is full the event is
// dropped and counted. Query passes through to the underlying log.
//
// This asymmetry is deliberate: the event log is a side channel for the
// primary request path, and a storage hiccup there must not surface as a
// user-facing failure.
type BestEffort struct {
	log    Log
	logger *logrus.Logger
	buffer chan types.Event
	policy retry.Policy

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	dropped int64
}

// NewBestEffort starts the background appender. bufferSize <= 0 defaults
// to 1024.
func NewBestEffort(log Log, bufferSize int, logger *logrus.Logger) *BestEffort {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	b := &BestEffort{
		log:    log,
		logger: logger,
		buffer: make(chan types.Event, bufferSize),
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.worker()
	return b
}

// Append enqueues the event without blocking. The returned error is always
// nil; delivery failures are logged and counted instead.
func (b *BestEffort) Append(ctx context.Context, event types.Event) error {
	select {
	case b.buffer <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.WithFields(logrus.Fields{
			"event_type": event.Type,
			"subject_id": event.SubjectID,
		}).Warn("Event buffer full, dropping event")
	}
	return nil
}

func (b *BestEffort) Query(ctx context.Context, t types.EventType, since, until time.Time) ([]types.Event, error) {
	return b.log.Query(ctx, t, since, until)
}

// Dropped reports how many events were discarded due to a full buffer.
func (b *BestEffort) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops the worker after draining buffered events.
func (b *BestEffort) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *BestEffort) worker() {
	defer close(b.done)
	for {
		select {
		case event := <-b.buffer:
			b.write(event)
		case <-b.stop:
			// Drain whatever is left before exiting.
			for {
				select {
				case event := <-b.buffer:
					b.write(event)
				default:
					return
				}
			}
		}
	}
}

func (b *BestEffort) write(event types.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := retry.Do(ctx, b.policy, retry.Any, func(ctx context.Context, attempt int) error {
		return b.log.Append(ctx, event)
	})
	if err != nil {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": event.Type,
			"subject_id": event.SubjectID,
		}).Error("Event append failed after retries")
	}
}
