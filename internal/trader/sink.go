package trader

import (
	"context"
	"errors"

	"trading-breakout/internal/model"
)

// Fanout writes every record to each sink in order. The first sink is the
// record of truth; the rest are mirrors. All sinks are attempted and their
// errors joined.
type Fanout []model.Sink

func (f Fanout) RecordTrade(ctx context.Context, rec model.TradeRecord) error {
	var errs []error
	for _, s := range f {
		if err := s.RecordTrade(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) RecordDecision(ctx context.Context, rec model.DecisionRecord) error {
	var errs []error
	for _, s := range f {
		if err := s.RecordDecision(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) RecordDailySnapshots(ctx context.Context, snaps []model.DailySnapshot) error {
	var errs []error
	for _, s := range f {
		if err := s.RecordDailySnapshots(ctx, snaps); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
