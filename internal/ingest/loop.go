// Package ingest drives continuous forwarding from the feed client to the
// output stream.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/finbase/tradefeed/pkg/models"
)

// Poller yields batches of canonical trades, one inbound frame per call.
type Poller interface {
	Poll(ctx context.Context) ([]models.Trade, error)
}

// Publisher forwards one trade to the output stream.
type Publisher interface {
	Publish(ctx context.Context, trade models.Trade) error
}

// Runner polls the feed and publishes every returned trade in order, pausing
// a fixed interval between iterations. The pause applies whether or not the
// iteration produced trades; it throttles the receive rate on purpose.
type Runner struct {
	poller    Poller
	publisher Publisher
	pace      time.Duration
	logger    *zap.Logger
}

// NewRunner wires a poller to a publisher with the given pacing interval.
func NewRunner(poller Poller, publisher Publisher, pace time.Duration, logger *zap.Logger) *Runner {
	if pace <= 0 {
		pace = time.Second
	}
	return &Runner{
		poller:    poller,
		publisher: publisher,
		pace:      pace,
		logger:    logger.Named("ingest"),
	}
}

// Run loops until ctx is canceled or an error surfaces. No error is recovered
// here: any poll or publish failure propagates to the caller and terminates
// the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("ingestion loop started", zap.Duration("pace", r.pace))
	for {
		if err := ctx.Err(); err != nil {
			r.logger.Info("ingestion loop stopped", zap.Error(err))
			return err
		}

		trades, err := r.poller.Poll(ctx)
		if err != nil {
			r.logger.Error("poll failed", zap.Error(err))
			return err
		}

		for _, trade := range trades {
			if err := r.publisher.Publish(ctx, trade); err != nil {
				r.logger.Error("publish failed",
					zap.String("instrument", trade.InstrumentID),
					zap.Error(err))
				return err
			}
		}
		if len(trades) > 0 {
			r.logger.Debug("batch forwarded", zap.Int("trades", len(trades)))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("ingestion loop stopped", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-time.After(r.pace):
		}
	}
}
