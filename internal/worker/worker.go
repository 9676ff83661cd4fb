// Package worker runs the periodic sync-then-detect cycle over all syncable devices.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/lock"
	"github.com/and161185/saunalog/internal/metrics"
	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DeviceLister lists devices taking part in the cycle.
type DeviceLister interface {
	ListSyncable(ctx context.Context) ([]model.Device, error)
}

// Syncer pulls new vendor measurements for a device.
type Syncer interface {
	SyncDevice(ctx context.Context, d model.Device) (int, error)
}

// Detector advances session detection for a device.
type Detector interface {
	DetectDevice(ctx context.Context, deviceID uuid.UUID) error
}

// Config tunes the loop.
type Config struct {
	Interval      time.Duration
	DeviceTimeout time.Duration
	Concurrency   int
}

// Worker processes every syncable device once per tick.
type Worker struct {
	devices  DeviceLister
	syncer   Syncer
	detector Detector
	locker   lock.Locker
	metrics  *metrics.Metrics
	cfg      Config
	log      *zap.Logger
}

// New constructs a Worker. m may be nil.
func New(devices DeviceLister, syncer Syncer, detector Detector, locker lock.Locker, m *metrics.Metrics, cfg Config, log *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DeviceTimeout <= 0 || (cfg.Interval > 0 && cfg.DeviceTimeout > cfg.Interval) {
		cfg.DeviceTimeout = cfg.Interval
	}
	return &Worker{devices: devices, syncer: syncer, detector: detector, locker: locker, metrics: m, cfg: cfg, log: log}
}

// Run ticks until ctx is cancelled. The first cycle starts immediately.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Error("worker tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunOnce processes all syncable devices and waits for them. Per-device failures are
// logged and counted; only a failure to list devices is returned.
func (w *Worker) RunOnce(ctx context.Context) error {
	started := time.Now()
	defer func() { w.metrics.ObserveTick(time.Since(started)) }()

	devices, err := w.devices.ListSyncable(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, d := range devices {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			w.processDevice(gctx, d)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) processDevice(ctx context.Context, d model.Device) {
	log := w.log.With(zap.String("device", d.ID.String()))

	unlock, ok, err := w.locker.TryLock(ctx, d.ID.String())
	if err != nil {
		log.Warn("device lock", zap.Error(err))
		w.metrics.DeviceError(metrics.StageSync, "lock")
		return
	}
	if !ok {
		log.Debug("device busy, skipping")
		w.metrics.DeviceSkipped("locked")
		return
	}
	defer unlock()

	if w.cfg.DeviceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.DeviceTimeout)
		defer cancel()
	}

	if _, err := w.syncer.SyncDevice(ctx, d); err != nil {
		if errors.Is(err, errs.ErrAuthExpired) {
			w.metrics.DeviceSkipped("auth_expired")
			return
		}
		log.Warn("sync failed", zap.Error(err))
		w.metrics.DeviceError(metrics.StageSync, errorKind(err))
	}

	if err := w.detector.DetectDevice(ctx, d.ID); err != nil {
		log.Warn("detection failed", zap.Error(err))
		w.metrics.DeviceError(metrics.StageDetect, errorKind(err))
	}
}

// errorKind buckets err for the device error counter.
func errorKind(err error) string {
	var apiErr *errs.RemoteAPIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &apiErr):
		return "remote"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
