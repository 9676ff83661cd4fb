// Package detect infers usage sessions from a device's measurement stream.
//
// Machine is a pure hysteresis state machine: it never touches storage. The caller feeds
// measurements in timestamp order and persists the Decisions it returns. Opening is
// two-phase: Observe proposes an Open and the machine only enters the ongoing state once
// the caller confirms it with Begin.
package detect

import (
	"time"

	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
)

// Config holds the detector tunables.
type Config struct {
	ActivityThreshold      float64       // minimum presence counted as activity
	WarmThreshold          float64       // minimum temperature (°C) counted as a heated sauna
	MinActivitySpan        time.Duration // activity must span at least this long to open
	MinActivitySamples     int           // and consist of at least this many samples
	ActivityWindow         time.Duration // rolling buffer length
	InactivityEndThreshold time.Duration // inactivity after which an ongoing session ends
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		ActivityThreshold:      20,
		WarmThreshold:          40,
		MinActivitySpan:        5 * time.Minute,
		MinActivitySamples:     3,
		ActivityWindow:         30 * time.Minute,
		InactivityEndThreshold: 30 * time.Minute,
	}
}

// Action tells the caller what to persist after a measurement.
type Action int

const (
	None   Action = iota
	Open          // create a session [Start, LastActivity]; confirm with Begin
	Extend        // move LastActivity of the ongoing session forward
	Close         // finalize the session with end = LastActivity
)

func (a Action) String() string {
	switch a {
	case Open:
		return "open"
	case Extend:
		return "extend"
	case Close:
		return "close"
	default:
		return "none"
	}
}

// CloseReason explains why a session was closed.
type CloseReason string

const (
	ReasonInactive CloseReason = "inactive"
	ReasonCooled   CloseReason = "cooled"
)

// Decision is the outcome of observing one measurement.
type Decision struct {
	Action       Action
	SessionID    uuid.UUID // Extend, Close
	Start        time.Time
	LastActivity time.Time
	Reason       CloseReason // Close
}

type ongoing struct {
	id           uuid.UUID
	start        time.Time
	lastActivity time.Time
}

// Machine is the per-device detector state. It is not safe for concurrent use.
type Machine struct {
	cfg Config
	cur *ongoing
	buf []time.Time
}

// New returns a machine in the no-session state.
func New(cfg Config) *Machine { return &Machine{cfg: cfg} }

// Resume puts the machine into the ongoing state for an already persisted session.
func (m *Machine) Resume(id uuid.UUID, start, lastActivity time.Time) {
	m.cur = &ongoing{id: id, start: start, lastActivity: lastActivity}
	m.buf = m.buf[:0]
}

// Begin confirms a proposed Open after it has been persisted.
func (m *Machine) Begin(id uuid.UUID, start, lastActivity time.Time) { m.Resume(id, start, lastActivity) }

// Ongoing returns the ongoing session, if any.
func (m *Machine) Ongoing() (id uuid.UUID, lastActivity time.Time, ok bool) {
	if m.cur == nil {
		return uuid.Nil, time.Time{}, false
	}
	return m.cur.id, m.cur.lastActivity, true
}

// Buffered returns the number of activity samples currently held.
func (m *Machine) Buffered() int { return len(m.buf) }

func (m *Machine) active(ms model.Measurement) bool {
	return ms.Presence >= m.cfg.ActivityThreshold && m.warm(ms)
}

func (m *Machine) warm(ms model.Measurement) bool { return ms.Temperature >= m.cfg.WarmThreshold }

// Observe feeds the next measurement.
func (m *Machine) Observe(ms model.Measurement) Decision {
	ts := ms.Timestamp
	if m.cur == nil {
		// misses do not reset the buffer here; only eviction by age does
		if !m.active(ms) {
			return Decision{}
		}
		m.buf = append(m.buf, ts)
		m.evict(ts)
		if len(m.buf) >= m.cfg.MinActivitySamples && ts.Sub(m.buf[0]) >= m.cfg.MinActivitySpan {
			return Decision{Action: Open, Start: m.buf[0], LastActivity: ts}
		}
		return Decision{}
	}

	if m.active(ms) {
		if ts.After(m.cur.lastActivity) {
			m.cur.lastActivity = ts
		}
		return Decision{Action: Extend, SessionID: m.cur.id, Start: m.cur.start, LastActivity: m.cur.lastActivity}
	}

	m.buf = m.buf[:0]
	inactive := ts.Sub(m.cur.lastActivity)
	warm := m.warm(ms)
	if warm && inactive < m.cfg.InactivityEndThreshold {
		return Decision{}
	}
	d := Decision{Action: Close, SessionID: m.cur.id, Start: m.cur.start, LastActivity: m.cur.lastActivity, Reason: ReasonInactive}
	if !warm {
		d.Reason = ReasonCooled
	}
	m.cur = nil
	return d
}

// evict drops buffered timestamps older than ActivityWindow before now.
func (m *Machine) evict(now time.Time) {
	cutoff := now.Add(-m.cfg.ActivityWindow)
	i := 0
	for i < len(m.buf) && m.buf[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.buf = append(m.buf[:0], m.buf[i:]...)
	}
}
