// Package cancelrelay forwards generation cancels between instances over
// NATS request/reply. Only the instance streaming a generation can cancel
// it, so a cancel that misses locally is asked of the others.
package cancelrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Canceler is the local generation manager.
type Canceler interface {
	Cancel(generationID string, userID int64) bool
}

type request struct {
	GenerationID string `json:"generation_id"`
	UserID       int64  `json:"user_id"`
}

type reply struct {
	Canceled bool `json:"canceled"`
}

// Relay cancels locally first and then over NATS. A Relay without a
// connection only cancels locally.
type Relay struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	local   Canceler
	sub     *nats.Subscription
}

func New(nc *nats.Conn, subject string, timeout time.Duration, local Canceler) *Relay {
	return &Relay{nc: nc, subject: subject, timeout: timeout, local: local}
}

// Connect dials url and returns a relay on it.
func Connect(url, subject string, timeout time.Duration, local Canceler) (*Relay, error) {
	nc, err := nats.Connect(url, nats.Name("omniai"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return New(nc, subject, timeout, local), nil
}

// Start answers cancel requests from other instances.
func (r *Relay) Start() error {
	if r.nc == nil {
		return nil
	}
	sub, err := r.nc.Subscribe(r.subject, func(m *nats.Msg) {
		data, ok := r.handle(m.Data)
		if !ok {
			// Stay silent so the instance that owns the generation answers.
			return
		}
		if err := m.Respond(data); err != nil {
			slog.Error("cancel relay reply failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.subject, err)
	}
	r.sub = sub
	return nil
}

func (r *Relay) handle(data []byte) ([]byte, bool) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("cancel relay: malformed request", "error", err)
		return nil, false
	}
	if !r.local.Cancel(req.GenerationID, req.UserID) {
		return nil, false
	}
	slog.Info("generation canceled via relay", "generation_id", req.GenerationID, "user_id", req.UserID)
	out, _ := json.Marshal(reply{Canceled: true})
	return out, true
}

// Cancel reports whether some instance canceled the generation on behalf
// of userID.
func (r *Relay) Cancel(ctx context.Context, generationID string, userID int64) (bool, error) {
	if r.local.Cancel(generationID, userID) {
		return true, nil
	}
	if r.nc == nil {
		return false, nil
	}

	data, err := json.Marshal(request{GenerationID: generationID, UserID: userID})
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg, err := r.nc.RequestWithContext(ctx, r.subject, data)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout), errors.Is(err, nats.ErrNoResponders):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("cancel relay request: %w", err)
	}

	var rep reply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return false, fmt.Errorf("cancel relay reply: %w", err)
	}
	return rep.Canceled, nil
}

// Close unsubscribes and drains the connection.
func (r *Relay) Close() error {
	if r.nc == nil {
		return nil
	}
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	return r.nc.Drain()
}
