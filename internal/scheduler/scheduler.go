// Package scheduler runs the bridge's periodic jobs on a cron
// scheduler. The only job today is the auto-discovery rescan that
// hands freshly commissioned endpoints to the polling engine.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Rescanner is the polling-engine operation the discovery job drives.
type Rescanner interface {
	Rescan(ctx context.Context) (int, error)
}

// Discovery periodically rescans the registry for endpoints that are
// not being polled yet. It only ever adds polling loops; removal stays
// API-driven.
type Discovery struct {
	cron     *cron.Cron
	interval time.Duration
	target   Rescanner
	logger   *zap.Logger
}

func NewDiscovery(interval time.Duration, target Rescanner, logger *zap.Logger) *Discovery {
	return &Discovery{
		cron:     cron.New(),
		interval: interval,
		target:   target,
		logger:   logger,
	}
}

// Start registers the rescan job and starts the scheduler. A zero
// interval disables auto-discovery entirely.
func (d *Discovery) Start() {
	if d.interval <= 0 {
		d.logger.Info("auto-discovery disabled")
		return
	}

	d.cron.Schedule(cron.Every(d.interval), cron.FuncJob(d.rescan))
	d.cron.Start()
	d.logger.Info("auto-discovery scheduled", zap.Duration("interval", d.interval))
}

// Stop halts the scheduler and waits for a running rescan to finish.
func (d *Discovery) Stop() {
	<-d.cron.Stop().Done()
	d.logger.Info("auto-discovery stopped")
}

func (d *Discovery) rescan() {
	added, err := d.target.Rescan(context.Background())
	if err != nil {
		d.logger.Error("auto-discovery scan failed", zap.Error(err))
		return
	}
	if added > 0 {
		d.logger.Info("auto-discovery picked up devices", zap.Int("count", added))
	}
}
