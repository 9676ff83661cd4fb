package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/metrics"
	"github.com/and161185/saunalog/internal/model"
	"github.com/and161185/saunalog/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// TelemetrySource streams raw measurements of a vendor device.
type TelemetrySource interface {
	FetchMeasurements(ctx context.Context, externalID, accessToken string, from, to time.Time) iter.Seq2[[]model.Measurement, error]
}

// SyncEngine copies new vendor measurements into the measurement store.
type SyncEngine struct {
	measurements  repository.MeasurementRepository
	creds         repository.CredentialRepository
	tokens        TokenProvider
	source        TelemetrySource
	vendor        string
	fallbackOwner uuid.UUID
	metrics       *metrics.Metrics
	log           *zap.Logger
	now           func() time.Time
}

// SyncOption customizes a SyncEngine.
type SyncOption func(*SyncEngine)

// WithFallbackOwner makes devices without a credentialed owner sync with ownerID's credential.
func WithFallbackOwner(ownerID uuid.UUID) SyncOption {
	return func(s *SyncEngine) { s.fallbackOwner = ownerID }
}

// WithSyncMetrics records inserted rows.
func WithSyncMetrics(m *metrics.Metrics) SyncOption {
	return func(s *SyncEngine) { s.metrics = m }
}

// NewSyncEngine constructs a SyncEngine for vendor.
func NewSyncEngine(
	measurements repository.MeasurementRepository,
	creds repository.CredentialRepository,
	tokens TokenProvider,
	source TelemetrySource,
	vendor string,
	log *zap.Logger,
	opts ...SyncOption,
) *SyncEngine {
	s := &SyncEngine{
		measurements: measurements,
		creds:        creds,
		tokens:       tokens,
		source:       source,
		vendor:       vendor,
		log:          log,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// credential picks the credential used to sync d.
func (s *SyncEngine) credential(ctx context.Context, d model.Device) (*model.Credential, error) {
	c, err := s.creds.ForDevice(ctx, d.ID, s.vendor)
	if err == nil || !errors.Is(err, errs.ErrNotFound) || s.fallbackOwner == uuid.Nil {
		return c, err
	}
	return s.creds.Get(ctx, s.fallbackOwner, s.vendor)
}

// SyncDevice fetches everything newer than the latest stored measurement and stores it.
// It returns the number of inserted rows. Pages stored before a failure are kept.
func (s *SyncEngine) SyncDevice(ctx context.Context, d model.Device) (int, error) {
	if !d.Syncable() {
		return 0, nil
	}
	log := s.log.With(zap.String("device", d.ID.String()), zap.String("external_id", d.ExternalID))

	since, ok, err := s.measurements.Latest(ctx, d.ID)
	if err != nil {
		return 0, fmt.Errorf("latest measurement: %w", err)
	}
	if !ok {
		since = time.Unix(0, 0).UTC()
	}

	cred, err := s.credential(ctx, d)
	if err != nil {
		return 0, fmt.Errorf("credential: %w", err)
	}
	token, err := s.tokens.EnsureValidToken(ctx, cred)
	if err != nil {
		log.Warn("device skipped: vendor auth", zap.Error(err))
		return 0, err
	}

	total := 0
	for page, err := range s.source.FetchMeasurements(ctx, d.ExternalID, token, since, s.now()) {
		if err != nil {
			return total, fmt.Errorf("fetch: %w", err)
		}
		n, err := s.measurements.InsertNew(ctx, d.ID, normalize(d.ID, page))
		if err != nil {
			return total, fmt.Errorf("store: %w", err)
		}
		total += n
		s.metrics.SyncInserted(n)
	}
	if total > 0 {
		log.Debug("measurements synced", zap.Int("inserted", total), zap.Time("since", since))
	}
	return total, nil
}

// normalize tags the page with deviceID, sorts it by timestamp and drops repeated timestamps.
func normalize(deviceID uuid.UUID, page []model.Measurement) []model.Measurement {
	out := make([]model.Measurement, len(page))
	copy(out, page)
	slices.SortStableFunc(out, func(a, b model.Measurement) int { return a.Timestamp.Compare(b.Timestamp) })
	out = slices.CompactFunc(out, func(a, b model.Measurement) bool { return a.Timestamp.Equal(b.Timestamp) })
	for i := range out {
		out[i].DeviceID = deviceID
	}
	return out
}
