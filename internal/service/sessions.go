package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/model"
	"github.com/and161185/saunalog/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// SessionService defines the owner-facing session and measurement queries.
type SessionService interface {
	// ListSessions returns sessions of the device overlapping [from, to].
	ListSessions(ctx context.Context, ownerID, deviceID uuid.UUID, from, to time.Time) ([]model.Session, error)
	// ListMeasurements returns measurements of the device within [from, to].
	ListMeasurements(ctx context.Context, ownerID, deviceID uuid.UUID, from, to time.Time) ([]model.Measurement, error)
	// ListSessionMeasurements returns the measurements inside a session.
	ListSessionMeasurements(ctx context.Context, ownerID, sessionID uuid.UUID) (*model.Session, []model.Measurement, error)
	// EndSession finalizes an ongoing session on behalf of its owner.
	EndSession(ctx context.Context, ownerID, sessionID uuid.UUID) (*model.Session, error)
}

type SessionServiceImpl struct {
	devices      repository.DeviceRepository
	sessions     repository.SessionRepository
	measurements repository.MeasurementRepository
	finalizer    *Finalizer
	maxRange     time.Duration
	log          *zap.Logger
	now          func() time.Time
}

// NewSessionService constructs SessionService. Queries spanning more than maxRange are rejected.
func NewSessionService(
	devices repository.DeviceRepository,
	sessions repository.SessionRepository,
	measurements repository.MeasurementRepository,
	finalizer *Finalizer,
	maxRange time.Duration,
	log *zap.Logger,
) *SessionServiceImpl {
	if maxRange <= 0 {
		maxRange = 31 * 24 * time.Hour
	}
	return &SessionServiceImpl{
		devices: devices, sessions: sessions, measurements: measurements,
		finalizer: finalizer, maxRange: maxRange, log: log, now: time.Now,
	}
}

func (s *SessionServiceImpl) authorize(ctx context.Context, ownerID, deviceID uuid.UUID) error {
	if ownerID == uuid.Nil {
		return errs.ErrUnauthorized
	}
	ok, err := s.devices.IsOwner(ctx, deviceID, ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrForbidden
	}
	return nil
}

func (s *SessionServiceImpl) checkRange(from, to time.Time) error {
	if to.Before(from) {
		return errors.New("validation: to before from")
	}
	if to.Sub(from) > s.maxRange {
		return fmt.Errorf("validation: range exceeds %s", s.maxRange)
	}
	return nil
}

// ListSessions returns the device's sessions overlapping [from, to].
func (s *SessionServiceImpl) ListSessions(ctx context.Context, ownerID, deviceID uuid.UUID, from, to time.Time) ([]model.Session, error) {
	if err := s.checkRange(from, to); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, ownerID, deviceID); err != nil {
		return nil, err
	}
	return s.sessions.ListRange(ctx, deviceID, from, to)
}

// ListMeasurements returns the device's measurements within [from, to].
func (s *SessionServiceImpl) ListMeasurements(ctx context.Context, ownerID, deviceID uuid.UUID, from, to time.Time) ([]model.Measurement, error) {
	if err := s.checkRange(from, to); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, ownerID, deviceID); err != nil {
		return nil, err
	}
	return s.measurements.Range(ctx, deviceID, from, to)
}

// ListSessionMeasurements returns the measurements in [start, end]; ongoing sessions end at lastActivity.
func (s *SessionServiceImpl) ListSessionMeasurements(ctx context.Context, ownerID, sessionID uuid.UUID) (*model.Session, []model.Measurement, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.authorize(ctx, ownerID, sess.DeviceID); err != nil {
		return nil, nil, err
	}
	end := sess.LastActivity
	if sess.End != nil {
		end = *sess.End
	}
	ms, err := s.measurements.Range(ctx, sess.DeviceID, sess.Start, end)
	if err != nil {
		return nil, nil, err
	}
	return sess, ms, nil
}

// EndSession finalizes an ongoing session at the latest measurement not after now.
func (s *SessionServiceImpl) EndSession(ctx context.Context, ownerID, sessionID uuid.UUID) (*model.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, ownerID, sess.DeviceID); err != nil {
		return nil, err
	}
	if sess.Status != model.SessionOngoing {
		return nil, errs.ErrConflict
	}
	end, ok, err := s.measurements.LatestAtOrBefore(ctx, sess.DeviceID, s.now())
	if err != nil {
		return nil, err
	}
	if !ok || end.Before(sess.Start) {
		end = sess.Start
	}
	out, err := s.finalizer.Finalize(ctx, *sess, end, true, "manual")
	if err != nil {
		return nil, err
	}
	s.log.Info("session ended manually",
		zap.String("session", out.ID.String()), zap.String("owner", ownerID.String()))
	return out, nil
}
