package dispatch

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/metrics"
)

// SendEmailBatch sends reqs in chunks of the configured batch size. Items in
// a chunk run concurrently and the chunk completes before the next starts.
// Results keep input order. Cancellation is honored only between chunks;
// items not yet started fail with KindCancelled.
func (e *Engine) SendEmailBatch(ctx context.Context, reqs []EmailRequest) []Result {
	results := make([]Result, len(reqs))
	metrics.RecordBatch(len(reqs))

	for start := 0; start < len(reqs); start += e.batchSize {
		end := min(start+e.batchSize, len(reqs))

		if err := ctx.Err(); err != nil {
			e.logger.Warn("batch cancelled",
				zap.Int("dispatched", start),
				zap.Int("remaining", len(reqs)-start),
				zap.Error(err),
			)
			for i := start; i < len(reqs); i++ {
				results[i] = failure(KindCancelled, reqs[i].MessageID, "batch cancelled before dispatch")
			}
			break
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = e.SendEmail(ctx, reqs[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}
