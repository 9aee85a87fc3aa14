package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/txn-pipeline/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates the batch window on a ticker and posts any alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
	}
}

// Run checks once immediately, then every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	if ctx.Err() != nil {
		return
	}
	log.Info("monitoring: checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)
	c.check(ctx, log)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("monitoring: collect batch window", zap.Error(err))
		}
		return
	}

	fields := []zap.Field{
		zap.Int("batches", snap.BatchesTotal),
		zap.Int("failed", snap.BatchesFailed),
		zap.Float64("fail_rate", snap.FailRate),
		zap.Float64("average_quality", snap.AverageQuality),
		zap.Int("low_quality_batches", snap.LowQualityBatches),
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: batch window healthy", fields...)
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alerts raised", append(fields,
		zap.Int("alerts", len(alerts)),
		zap.Int("sent", sent),
	)...)
}
