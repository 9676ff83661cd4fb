package service

import (
	"context"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/events"
	"github.com/and161185/saunalog/internal/limiter"
	"github.com/and161185/saunalog/internal/model"
	"github.com/and161185/saunalog/internal/repository"
	"github.com/gofrs/uuid/v5"
)

/************ measurements ************/

type fakeMeasurements struct {
	mu      sync.Mutex
	byDev   map[uuid.UUID][]model.Measurement
	inserts int
}

var _ repository.MeasurementRepository = (*fakeMeasurements)(nil)

func newFakeMeasurements() *fakeMeasurements {
	return &fakeMeasurements{byDev: map[uuid.UUID][]model.Measurement{}}
}

func (f *fakeMeasurements) add(dev uuid.UUID, ms ...model.Measurement) {
	_, _ = f.InsertNew(context.Background(), dev, ms)
}

func (f *fakeMeasurements) Latest(_ context.Context, dev uuid.UUID) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ms := f.byDev[dev]
	if len(ms) == 0 {
		return time.Time{}, false, nil
	}
	return ms[len(ms)-1].Timestamp, true, nil
}

func (f *fakeMeasurements) LatestAtOrBefore(_ context.Context, dev uuid.UUID, t time.Time) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ms := f.byDev[dev]
	for i := len(ms) - 1; i >= 0; i-- {
		if !ms[i].Timestamp.After(t) {
			return ms[i].Timestamp, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (f *fakeMeasurements) InsertNew(_ context.Context, dev uuid.UUID, ms []model.Measurement) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	cur := f.byDev[dev]
	n := 0
	for _, m := range ms {
		if slices.ContainsFunc(cur, func(x model.Measurement) bool { return x.Timestamp.Equal(m.Timestamp) }) {
			continue
		}
		m.DeviceID = dev
		cur = append(cur, m)
		n++
	}
	slices.SortFunc(cur, func(a, b model.Measurement) int { return a.Timestamp.Compare(b.Timestamp) })
	f.byDev[dev] = cur
	return n, nil
}

func (f *fakeMeasurements) Range(_ context.Context, dev uuid.UUID, from, to time.Time) ([]model.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Measurement
	for _, m := range f.byDev[dev] {
		if !m.Timestamp.Before(from) && !m.Timestamp.After(to) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMeasurements) After(_ context.Context, dev uuid.UUID, after time.Time, limit int) ([]model.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Measurement
	for _, m := range f.byDev[dev] {
		if m.Timestamp.After(after) {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeMeasurements) count(dev uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byDev[dev])
}

/************ sessions ************/

type fakeSessions struct {
	mu       sync.Mutex
	rows     []model.Session
	touches  int
	touchErr error
}

var _ repository.SessionRepository = (*fakeSessions)(nil)

func (f *fakeSessions) Latest(_ context.Context, dev uuid.UUID) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.Session
	for i := range f.rows {
		if f.rows[i].DeviceID == dev && (best == nil || f.rows[i].Start.After(best.Start)) {
			best = &f.rows[i]
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

func (f *fakeSessions) Get(_ context.Context, id uuid.UUID) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeSessions) Open(_ context.Context, s model.Session, from, to time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.rows {
		if x.DeviceID != s.DeviceID {
			continue
		}
		if x.Status == model.SessionOngoing {
			return errs.ErrAlreadyExists
		}
		if !x.Start.Before(from) && !x.Start.After(to) {
			return errs.ErrAlreadyExists
		}
	}
	s.Status = model.SessionOngoing
	f.rows = append(f.rows, s)
	return nil
}

func (f *fakeSessions) Touch(_ context.Context, id uuid.UUID, last time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	if f.touchErr != nil {
		return f.touchErr
	}
	for i := range f.rows {
		if f.rows[i].ID == id && f.rows[i].Status == model.SessionOngoing {
			f.rows[i].LastActivity = last
			return nil
		}
	}
	return errs.ErrNotFound
}

func (f *fakeSessions) Finalize(_ context.Context, id uuid.UUID, end time.Time, st *model.SessionStats, manual bool) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID != id {
			continue
		}
		if f.rows[i].Status != model.SessionOngoing {
			return nil, errs.ErrConflict
		}
		f.rows[i].End = &end
		f.rows[i].Status = model.SessionEnded
		f.rows[i].Stats = st
		f.rows[i].ManuallyEnded = manual
		c := f.rows[i]
		return &c, nil
	}
	return nil, errs.ErrNotFound
}

func (f *fakeSessions) ListRange(_ context.Context, dev uuid.UUID, from, to time.Time) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Session
	for _, s := range f.rows {
		if s.DeviceID == dev && !s.Start.After(to) && (s.End == nil || !s.End.Before(from)) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b model.Session) int { return a.Start.Compare(b.Start) })
	return out, nil
}

func (f *fakeSessions) forDevice(dev uuid.UUID) []model.Session {
	out, _ := f.ListRange(context.Background(), dev, time.Time{}, time.Unix(1<<40, 0))
	return out
}

/************ checkpoints ************/

type fakeCheckpoints struct {
	mu sync.Mutex
	m  map[uuid.UUID]time.Time
}

var _ repository.CheckpointRepository = (*fakeCheckpoints)(nil)

func (f *fakeCheckpoints) Get(_ context.Context, dev uuid.UUID) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.m[dev]
	return ts, ok, nil
}

func (f *fakeCheckpoints) Set(_ context.Context, dev uuid.UUID, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = map[uuid.UUID]time.Time{}
	}
	if ts.After(f.m[dev]) {
		f.m[dev] = ts
	}
	return nil
}

/************ devices & credentials ************/

type fakeDevices struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]model.Device
	owners map[uuid.UUID][]uuid.UUID // device -> owners in link order
}

var _ repository.DeviceRepository = (*fakeDevices)(nil)

func newFakeDevices() *fakeDevices {
	return &fakeDevices{byID: map[uuid.UUID]model.Device{}, owners: map[uuid.UUID][]uuid.UUID{}}
}

func (f *fakeDevices) put(d model.Device, owners ...uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[d.ID] = d
	f.owners[d.ID] = append(f.owners[d.ID], owners...)
}

func (f *fakeDevices) ListSyncable(context.Context) ([]model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Device
	for _, d := range f.byID {
		if d.Syncable() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDevices) Get(_ context.Context, id uuid.UUID) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &d, nil
}

func (f *fakeDevices) UpsertExternal(_ context.Context, ext, name string, owner uuid.UUID) (model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, d := range f.byID {
		if d.ExternalID == ext {
			if !slices.Contains(f.owners[id], owner) {
				f.owners[id] = append(f.owners[id], owner)
			}
			return d, nil
		}
	}
	d := model.Device{ID: uuid.Must(uuid.NewV4()), ExternalID: ext, Name: name}
	f.byID[d.ID] = d
	f.owners[d.ID] = []uuid.UUID{owner}
	return d, nil
}

func (f *fakeDevices) IsOwner(_ context.Context, dev, owner uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.owners[dev], owner), nil
}

func (f *fakeDevices) ListByOwner(_ context.Context, owner uuid.UUID) ([]model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Device
	for id, os := range f.owners {
		if slices.Contains(os, owner) {
			out = append(out, f.byID[id])
		}
	}
	return out, nil
}

type fakeCreds struct {
	mu        sync.Mutex
	m         map[string]model.Credential
	devices   *fakeDevices
	updates   int
	updateErr error
}

var _ repository.CredentialRepository = (*fakeCreds)(nil)

func credKey(owner uuid.UUID, vendor string) string { return owner.String() + "/" + vendor }

func newFakeCreds(devices *fakeDevices, cs ...model.Credential) *fakeCreds {
	f := &fakeCreds{m: map[string]model.Credential{}, devices: devices}
	for _, c := range cs {
		f.m[credKey(c.OwnerID, c.Vendor)] = c
	}
	return f
}

func (f *fakeCreds) Upsert(_ context.Context, c model.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[credKey(c.OwnerID, c.Vendor)] = c
	return nil
}

func (f *fakeCreds) Get(_ context.Context, owner uuid.UUID, vendor string) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.m[credKey(owner, vendor)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

func (f *fakeCreds) ForDevice(ctx context.Context, dev uuid.UUID, vendor string) (*model.Credential, error) {
	f.devices.mu.Lock()
	owners := slices.Clone(f.devices.owners[dev])
	f.devices.mu.Unlock()
	for _, o := range owners {
		if c, err := f.Get(ctx, o, vendor); err == nil {
			return c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeCreds) UpdateTokens(_ context.Context, owner uuid.UUID, vendor string, t model.Tokens) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		return f.updateErr
	}
	c, ok := f.m[credKey(owner, vendor)]
	if !ok {
		return errs.ErrNotFound
	}
	c.AccessToken, c.ExpiresAt = t.AccessToken, t.ExpiresAt
	if t.RefreshToken != "" {
		c.RefreshToken = t.RefreshToken
	}
	f.m[credKey(owner, vendor)] = c
	return nil
}

/************ limiter ************/

type fakeLimiter struct {
	mu sync.Mutex

	allowOK  bool
	allowErr error

	failBlocked bool

	allowCalls   int
	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, uuid.UUID) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowCalls++
	if l.allowOK {
		return true, 0, l.allowErr
	}
	return false, time.Hour, l.allowErr
}

func (l *fakeLimiter) Success(context.Context, uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successCalls++
	return nil
}

func (l *fakeLimiter) Failure(context.Context, uuid.UUID) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failureCalls++
	return l.failBlocked, time.Hour, nil
}

/************ vendor ************/

type fakeVendor struct {
	refreshTok   model.Tokens
	refreshErr   error
	refreshCalls atomic.Int32
	refreshDelay time.Duration // honours ctx; 5ms when zero

	loginTok model.Tokens
	loginErr error

	devices []model.RemoteDevice

	// FetchMeasurements
	pages      [][]model.Measurement
	pageErrAt  int // page index replaced by pageErr when it is set
	pageErr    error
	fetchCalls int
	lastFrom   time.Time
	lastToken  string
}

var (
	_ TokenRefresher  = (*fakeVendor)(nil)
	_ VendorAccount   = (*fakeVendor)(nil)
	_ TelemetrySource = (*fakeVendor)(nil)
)

func (v *fakeVendor) Refresh(ctx context.Context, _, _ string) (model.Tokens, error) {
	v.refreshCalls.Add(1)
	d := v.refreshDelay
	if d == 0 {
		d = 5 * time.Millisecond
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return model.Tokens{}, ctx.Err()
	}
	return v.refreshTok, v.refreshErr
}

func (v *fakeVendor) Login(context.Context, string, string) (model.Tokens, error) {
	return v.loginTok, v.loginErr
}

func (v *fakeVendor) ListDevices(context.Context, string) ([]model.RemoteDevice, error) {
	return v.devices, nil
}

func (v *fakeVendor) FetchMeasurements(_ context.Context, _, token string, from, _ time.Time) iter.Seq2[[]model.Measurement, error] {
	v.fetchCalls++
	v.lastFrom, v.lastToken = from, token
	return func(yield func([]model.Measurement, error) bool) {
		for i, p := range v.pages {
			if v.pageErr != nil && i == v.pageErrAt {
				yield(nil, v.pageErr)
				return
			}
			var out []model.Measurement
			for _, m := range p {
				if !m.Timestamp.Before(from) {
					out = append(out, m)
				}
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}

/************ tokens ************/

type staticTokens struct {
	token string
	err   error
	seen  []uuid.UUID
	reset int
}

var _ TokenProvider = (*staticTokens)(nil)

func (s *staticTokens) EnsureValidToken(_ context.Context, c *model.Credential) (string, error) {
	s.seen = append(s.seen, c.OwnerID)
	return s.token, s.err
}

func (s *staticTokens) ResetLimits(context.Context, uuid.UUID) error {
	s.reset++
	return nil
}

/************ events ************/

type fakePublisher struct {
	mu     sync.Mutex
	opened []model.Session
	ended  []model.Session
}

var _ events.Publisher = (*fakePublisher)(nil)

func (p *fakePublisher) SessionOpened(_ context.Context, s model.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, s)
	return nil
}

func (p *fakePublisher) SessionEnded(_ context.Context, s model.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, s)
	return nil
}
