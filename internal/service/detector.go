package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/saunalog/internal/detect"
	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/events"
	"github.com/and161185/saunalog/internal/metrics"
	"github.com/and161185/saunalog/internal/model"
	"github.com/and161185/saunalog/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Finalizer closes sessions: it aggregates [start, end] and freezes the row.
type Finalizer struct {
	measurements repository.MeasurementRepository
	sessions     repository.SessionRepository
	events       events.Publisher
	metrics      *metrics.Metrics
	log          *zap.Logger
}

// NewFinalizer constructs a Finalizer. pub may be events.Nop{} and m may be nil.
func NewFinalizer(
	measurements repository.MeasurementRepository,
	sessions repository.SessionRepository,
	pub events.Publisher,
	m *metrics.Metrics,
	log *zap.Logger,
) *Finalizer {
	return &Finalizer{measurements: measurements, sessions: sessions, events: pub, metrics: m, log: log}
}

// Finalize ends the ongoing session s at end. A session without measurements still closes
// with empty stats.
func (f *Finalizer) Finalize(ctx context.Context, s model.Session, end time.Time, manual bool, reason string) (*model.Session, error) {
	if end.Before(s.Start) {
		end = s.Start
	}
	ms, err := f.measurements.Range(ctx, s.DeviceID, s.Start, end)
	if err != nil {
		return nil, fmt.Errorf("session measurements: %w", err)
	}
	stats := model.Aggregate(ms)
	if stats == nil {
		f.log.Warn("finalizing session without measurements",
			zap.String("session", s.ID.String()), zap.Error(errs.ErrInsufficientData))
	}
	out, err := f.sessions.Finalize(ctx, s.ID, end, stats, manual)
	if err != nil {
		return nil, err
	}
	f.metrics.SessionEnded(reason)
	if err := f.events.SessionEnded(ctx, *out); err != nil {
		f.log.Warn("publish session ended", zap.String("session", s.ID.String()), zap.Error(err))
	}
	return out, nil
}

// Detector drives detect.Machine over stored measurements of one device.
type Detector struct {
	measurements repository.MeasurementRepository
	sessions     repository.SessionRepository
	checkpoints  repository.CheckpointRepository
	finalizer    *Finalizer
	events       events.Publisher
	metrics      *metrics.Metrics
	cfg          detect.Config
	pageSize     int
	log          *zap.Logger
}

// NewDetector constructs a Detector reading pageSize measurements per query.
func NewDetector(
	measurements repository.MeasurementRepository,
	sessions repository.SessionRepository,
	checkpoints repository.CheckpointRepository,
	finalizer *Finalizer,
	pub events.Publisher,
	m *metrics.Metrics,
	cfg detect.Config,
	pageSize int,
	log *zap.Logger,
) *Detector {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Detector{
		measurements: measurements, sessions: sessions, checkpoints: checkpoints,
		finalizer: finalizer, events: pub, metrics: m,
		cfg: cfg, pageSize: pageSize, log: log,
	}
}

// errSessionGone stops a run whose ongoing session was ended concurrently.
var errSessionGone = errors.New("session ended concurrently")

// DetectDevice replays unprocessed measurements of deviceID through the state machine and
// persists the resulting transitions. The machine state is rebuilt from storage on every call.
func (d *Detector) DetectDevice(ctx context.Context, deviceID uuid.UUID) error {
	log := d.log.With(zap.String("device", deviceID.String()))
	m := detect.New(d.cfg)

	after, err := d.resumePoint(ctx, deviceID, m)
	if err != nil {
		return err
	}

	for {
		page, err := d.measurements.After(ctx, deviceID, after, d.pageSize)
		if err != nil {
			return fmt.Errorf("read measurements: %w", err)
		}
		touched := false
		for _, ms := range page {
			moved, err := d.apply(ctx, log, deviceID, m, ms)
			if errors.Is(err, errSessionGone) {
				log.Info("ongoing session ended elsewhere, stopping run")
				return nil
			}
			if err != nil {
				return err
			}
			touched = touched || moved
		}
		if touched {
			if id, last, ok := m.Ongoing(); ok {
				if err := d.touch(ctx, id, last); err != nil {
					if errors.Is(err, errSessionGone) {
						return nil
					}
					return err
				}
			}
		}
		if len(page) == 0 {
			return nil
		}
		after = page[len(page)-1].Timestamp
		if err := d.checkpoints.Set(ctx, deviceID, after); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		if len(page) < d.pageSize {
			return nil
		}
	}
}

// resumePoint restores m and returns the timestamp after which replay starts.
func (d *Detector) resumePoint(ctx context.Context, deviceID uuid.UUID, m *detect.Machine) (time.Time, error) {
	latest, err := d.sessions.Latest(ctx, deviceID)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest session: %w", err)
	}
	if latest != nil && latest.Status == model.SessionOngoing {
		m.Resume(latest.ID, latest.Start, latest.LastActivity)
		return latest.LastActivity, nil
	}

	after := time.Unix(0, 0).UTC()
	if latest != nil && latest.End != nil {
		after = *latest.End
	}
	cp, ok, err := d.checkpoints.Get(ctx, deviceID)
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint: %w", err)
	}
	// everything that can still sit in the activity buffer is newer than cp - window
	if ok {
		if b := cp.Add(-d.cfg.ActivityWindow); b.After(after) {
			after = b
		}
	}
	return after, nil
}

// apply persists the decision for one measurement. moved reports an unsaved lastActivity.
func (d *Detector) apply(ctx context.Context, log *zap.Logger, deviceID uuid.UUID, m *detect.Machine, ms model.Measurement) (bool, error) {
	dec := m.Observe(ms)
	switch dec.Action {
	case detect.Open:
		id, err := uuid.NewV4()
		if err != nil {
			return false, err
		}
		s := model.Session{
			ID: id, DeviceID: deviceID, Start: dec.Start, LastActivity: dec.LastActivity,
			Status: model.SessionOngoing,
		}
		err = d.sessions.Open(ctx, s, dec.LastActivity.Add(-d.cfg.ActivityWindow), dec.LastActivity)
		if errors.Is(err, errs.ErrAlreadyExists) {
			log.Debug("session open suppressed", zap.Time("start", dec.Start))
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("open session: %w", err)
		}
		m.Begin(id, dec.Start, dec.LastActivity)
		d.metrics.SessionOpened()
		log.Info("session opened", zap.String("session", id.String()), zap.Time("start", dec.Start))
		if err := d.events.SessionOpened(ctx, s); err != nil {
			log.Warn("publish session opened", zap.Error(err))
		}
		return false, nil

	case detect.Extend:
		return true, nil

	case detect.Close:
		s := model.Session{ID: dec.SessionID, DeviceID: deviceID, Start: dec.Start, LastActivity: dec.LastActivity}
		out, err := d.finalizer.Finalize(ctx, s, dec.LastActivity, false, string(dec.Reason))
		if errors.Is(err, errs.ErrConflict) || errors.Is(err, errs.ErrNotFound) {
			return false, errSessionGone
		}
		if err != nil {
			return false, fmt.Errorf("finalize session: %w", err)
		}
		log.Info("session ended", zap.String("session", out.ID.String()),
			zap.String("reason", string(dec.Reason)), zap.Duration("duration", out.Duration()))
		return false, nil
	}
	return false, nil
}

func (d *Detector) touch(ctx context.Context, id uuid.UUID, last time.Time) error {
	err := d.sessions.Touch(ctx, id, last)
	if errors.Is(err, errs.ErrNotFound) {
		return errSessionGone
	}
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}
