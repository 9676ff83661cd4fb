// Package model defines domain entities used by services and repositories.
package model

import (
	"math"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects vendor access/refresh tokens (refresh optional on renewal).
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry
}

// Device is a physical sensor/heater unit.
type Device struct {
	ID         uuid.UUID // PK
	ExternalID string    // vendor device id; empty for manually operated devices
	Name       string
	CreatedAt  time.Time
}

// Syncable reports whether the device takes part in sync and detection.
func (d Device) Syncable() bool { return d.ExternalID != "" }

// Credential holds vendor tokens for one (owner, vendor) pair.
type Credential struct {
	OwnerID      uuid.UUID
	Vendor       string
	Identity     string // username used to re-authenticate
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// Measurement is a single telemetry sample; unique per (device, timestamp).
type Measurement struct {
	DeviceID    uuid.UUID
	Timestamp   time.Time
	Temperature float64 // °C
	Humidity    float64 // %
	Presence    float64 // ordinal activity signal
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionOngoing SessionStatus = "ONGOING"
	SessionEnded   SessionStatus = "ENDED"
)

// Range is a min/avg/max triple.
type Range struct {
	Min float64
	Avg float64
	Max float64
}

// SessionStats are aggregates over all measurements of a finalized session.
type SessionStats struct {
	Samples     int
	Temperature Range
	Humidity    Range
	Presence    Range
}

// Session is a contiguous inferred usage interval of a device.
type Session struct {
	ID            uuid.UUID
	DeviceID      uuid.UUID
	Start         time.Time
	End           *time.Time // nil while ongoing
	Status        SessionStatus
	LastActivity  time.Time
	ManuallyEnded bool
	Stats         *SessionStats // nil while ongoing or when no measurements were found
	CreatedAt     time.Time
}

// Duration returns end − start for ended sessions and zero otherwise.
func (s Session) Duration() time.Duration {
	if s.End == nil {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Aggregate computes stats over ms. It returns nil for an empty slice.
func Aggregate(ms []Measurement) *SessionStats {
	if len(ms) == 0 {
		return nil
	}
	st := &SessionStats{
		Samples:     len(ms),
		Temperature: Range{Min: math.Inf(1), Max: math.Inf(-1)},
		Humidity:    Range{Min: math.Inf(1), Max: math.Inf(-1)},
		Presence:    Range{Min: math.Inf(1), Max: math.Inf(-1)},
	}
	var sumT, sumH, sumP float64
	for _, m := range ms {
		st.Temperature.Min = math.Min(st.Temperature.Min, m.Temperature)
		st.Temperature.Max = math.Max(st.Temperature.Max, m.Temperature)
		st.Humidity.Min = math.Min(st.Humidity.Min, m.Humidity)
		st.Humidity.Max = math.Max(st.Humidity.Max, m.Humidity)
		st.Presence.Min = math.Min(st.Presence.Min, m.Presence)
		st.Presence.Max = math.Max(st.Presence.Max, m.Presence)
		sumT += m.Temperature
		sumH += m.Humidity
		sumP += m.Presence
	}
	n := float64(len(ms))
	st.Temperature.Avg = sumT / n
	st.Humidity.Avg = sumH / n
	st.Presence.Avg = sumP / n
	return st
}

// RemoteDevice is a device as listed by the vendor for an authenticated identity.
type RemoteDevice struct {
	ExternalID string
	Name       string
}
