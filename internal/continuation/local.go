package continuation

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = eris.New("continuation: scheduler closed")

// Local runs hops on a pool of goroutines fed by a buffered queue. A full
// queue is reported as a loop so the caller continues in process instead
// of blocking a worker on its own queue.
type Local struct {
	proc    Processor
	queue   chan Hop
	workers int

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocal creates a local driver. Call Start before scheduling.
func NewLocal(proc Processor, workers, buffer int) *Local {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Local{proc: proc, queue: make(chan Hop, buffer), workers: workers}
}

// Start launches the workers. Hops run under ctx, not under the context of
// whoever scheduled them.
func (l *Local) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.work(ctx)
	}
}

func (l *Local) work(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case hop, ok := <-l.queue:
			if !ok {
				return
			}
			if err := l.proc.ProcessStage(ctx, hop.RunID, hop.Stage); err != nil {
				zap.L().Error("continuation: local hop failed",
					zap.String("run_id", hop.RunID),
					zap.String("stage", string(hop.Stage)),
					zap.Error(err),
				)
			}
		}
	}
}

// Schedule enqueues the hop without blocking.
func (l *Local) Schedule(ctx context.Context, runID string, stage model.Stage) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case l.queue <- Hop{RunID: runID, Stage: stage}:
		return nil
	default:
		return eris.Wrapf(ErrLoopDetected, "continuation: local queue full (%d)", cap(l.queue))
	}
}

// Close stops accepting hops, cancels the work in flight and waits for the
// workers. Queued hops are dropped; their runs stay running until retried
// or reaped.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	if n := len(l.queue); n > 0 {
		zap.L().Warn("continuation: dropped queued hops on close", zap.Int("count", n))
	}
	return nil
}
