package queue

import (
	"context"
)

// Start flushes immediately, then on every FlushInterval tick and whenever
// NotifyOnline is called. Stop cancels the loop.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
	q.logger.Info().Dur("interval", q.cfg.FlushInterval).Msg("Queue flusher started")
}

func (q *Queue) run(ctx context.Context) {
	ticker := q.clock.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	q.Flush(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			q.Flush(ctx)
		case <-q.trigger:
			q.Flush(ctx)
		}
	}
}

// NotifyOnline requests a flush on the running loop. Calls coalesce while
// a request is already pending.
func (q *Queue) NotifyOnline() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the flush loop and waits for an in-progress pass.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info().Msg("Queue flusher stopped")
}
