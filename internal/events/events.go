// Package events publishes session lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/nats-io/nats.go"
)

// Publisher announces session transitions to downstream consumers.
type Publisher interface {
	SessionOpened(ctx context.Context, s model.Session) error
	SessionEnded(ctx context.Context, s model.Session) error
}

// Nop discards events.
type Nop struct{}

func (Nop) SessionOpened(context.Context, model.Session) error { return nil }
func (Nop) SessionEnded(context.Context, model.Session) error  { return nil }

// SessionEvent is the JSON payload published for every transition.
type SessionEvent struct {
	Type          string              `json:"type"`
	SessionID     uuid.UUID           `json:"session_id"`
	DeviceID      uuid.UUID           `json:"device_id"`
	Start         time.Time           `json:"start"`
	End           *time.Time          `json:"end,omitempty"`
	LastActivity  time.Time           `json:"last_activity"`
	ManuallyEnded bool                `json:"manually_ended,omitempty"`
	DurationMs    int64               `json:"duration_ms,omitempty"`
	Stats         *model.SessionStats `json:"stats,omitempty"`
}

const (
	typeOpened = "session.opened"
	typeEnded  = "session.ended"
)

func newEvent(typ string, s model.Session) SessionEvent {
	return SessionEvent{
		Type:          typ,
		SessionID:     s.ID,
		DeviceID:      s.DeviceID,
		Start:         s.Start,
		End:           s.End,
		LastActivity:  s.LastActivity,
		ManuallyEnded: s.ManuallyEnded,
		DurationMs:    s.Duration().Milliseconds(),
		Stats:         s.Stats,
	}
}

type conn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
	Close()
}

// NATS publishes events as JSON to <prefix>.sessions.opened and <prefix>.sessions.ended.
type NATS struct {
	conn   conn
	prefix string
}

// NewNATS connects to url.
func NewNATS(url, prefix string, opts ...nats.Option) (*NATS, error) {
	opts = append([]nats.Option{nats.Name("saunalog"), nats.MaxReconnects(-1)}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: nc, prefix: prefix}, nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() {
	if n == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

func (n *NATS) publish(ctx context.Context, subj string, ev SessionEvent) error {
	if n == nil {
		return errors.New("nil publisher")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.prefix+"."+subj, data); err != nil {
		return err
	}
	return n.conn.FlushWithContext(ctx)
}

// SessionOpened publishes an opened event.
func (n *NATS) SessionOpened(ctx context.Context, s model.Session) error {
	return n.publish(ctx, "sessions.opened", newEvent(typeOpened, s))
}

// SessionEnded publishes an ended event.
func (n *NATS) SessionEnded(ctx context.Context, s model.Session) error {
	return n.publish(ctx, "sessions.ended", newEvent(typeEnded, s))
}
