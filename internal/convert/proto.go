// Package convert maps domain entities to and from the google.protobuf.Struct payloads
// of the saunalog.v1.Sessions API.
package convert

import (
	"fmt"
	"time"

	"github.com/and161185/saunalog/internal/model"
	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"
)

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func rng(r model.Range) map[string]any {
	return map[string]any{"min": r.Min, "avg": r.Avg, "max": r.Max}
}

// --- domain -> payload ---

// DeviceValue converts a device to a struct field value.
func DeviceValue(d model.Device) map[string]any {
	return map[string]any{
		"id":          d.ID.String(),
		"external_id": d.ExternalID,
		"name":        d.Name,
		"syncable":    d.Syncable(),
		"created_at":  ts(d.CreatedAt),
	}
}

// MeasurementValue converts a measurement to a struct field value.
func MeasurementValue(m model.Measurement) map[string]any {
	return map[string]any{
		"ts":          ts(m.Timestamp),
		"temperature": m.Temperature,
		"humidity":    m.Humidity,
		"presence":    m.Presence,
	}
}

// SessionValue converts a session to a struct field value. End, duration and stats are
// null while the session is ongoing.
func SessionValue(s model.Session) map[string]any {
	v := map[string]any{
		"id":             s.ID.String(),
		"device_id":      s.DeviceID.String(),
		"start":          ts(s.Start),
		"end":            nil,
		"status":         string(s.Status),
		"last_activity":  ts(s.LastActivity),
		"manually_ended": s.ManuallyEnded,
		"duration_ms":    nil,
		"stats":          nil,
	}
	if s.End != nil {
		v["end"] = ts(*s.End)
		v["duration_ms"] = float64(s.Duration().Milliseconds())
	}
	if st := s.Stats; st != nil {
		v["stats"] = map[string]any{
			"samples":     float64(st.Samples),
			"temperature": rng(st.Temperature),
			"humidity":    rng(st.Humidity),
			"presence":    rng(st.Presence),
		}
	}
	return v
}

func list[T any](xs []T, f func(T) map[string]any) []any {
	out := make([]any, 0, len(xs))
	for _, x := range xs {
		out = append(out, f(x))
	}
	return out
}

// ToProtoDevices builds {"devices": [...]}.
func ToProtoDevices(ds []model.Device) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"devices": list(ds, DeviceValue)})
}

// ToProtoSessions builds {"sessions": [...]}.
func ToProtoSessions(ss []model.Session) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"sessions": list(ss, SessionValue)})
}

// ToProtoMeasurements builds {"measurements": [...]}.
func ToProtoMeasurements(ms []model.Measurement) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"measurements": list(ms, MeasurementValue)})
}

// ToProtoSession builds {"session": {...}}.
func ToProtoSession(s model.Session) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"session": SessionValue(s)})
}

// ToProtoSessionMeasurements builds {"session": {...}, "measurements": [...]}.
func ToProtoSessionMeasurements(s model.Session, ms []model.Measurement) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session":      SessionValue(s),
		"measurements": list(ms, MeasurementValue),
	})
}

// --- payload -> domain ---

// String returns the string field key of in, or "" when absent.
func String(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// UUID parses the string field key of in.
func UUID(in *structpb.Struct, key string) (u.UUID, error) {
	s := String(in, key)
	if s == "" {
		return u.Nil, fmt.Errorf("%s: required", key)
	}
	id, err := u.FromString(s)
	if err != nil {
		return u.Nil, fmt.Errorf("%s: %w", key, err)
	}
	return id, nil
}

// Time parses the RFC 3339 string field key of in.
func Time(in *structpb.Struct, key string) (time.Time, error) {
	s := String(in, key)
	if s == "" {
		return time.Time{}, fmt.Errorf("%s: required", key)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}

// Request builds a request payload from string fields, skipping empty values.
func Request(kv map[string]string) *structpb.Struct {
	fields := make(map[string]*structpb.Value, len(kv))
	for k, v := range kv {
		if v != "" {
			fields[k] = structpb.NewStringValue(v)
		}
	}
	return &structpb.Struct{Fields: fields}
}
