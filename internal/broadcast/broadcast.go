// Package broadcast pushes pipeline events to subscribers. Publishing is
// fire-and-forget: a slow or failing sink never holds up a cycle.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Event names.
const (
	EventRateUpdate    = "rateUpdate"
	EventMarketSummary = "marketSummary"
	EventRateAnomalies = "rateAnomalies"
)

// Publisher delivers one event.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Envelope is the wire form shared by every sink.
type Envelope struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	TS      time.Time       `json:"ts"`
	Initial bool            `json:"initial,omitempty"`
}

func encode(event string, payload any, at time.Time) (Envelope, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, nil, err
	}
	env := Envelope{Event: event, Data: data, TS: at.UTC()}
	raw, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, err
	}
	return env, raw, nil
}

func markInitial(raw []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	env.Initial = true
	return json.Marshal(env)
}

// Fanout publishes to every sink and logs failures.
type Fanout struct {
	sinks  []Publisher
	logger zerolog.Logger
}

// NewFanout skips nil sinks.
func NewFanout(logger zerolog.Logger, sinks ...Publisher) *Fanout {
	f := &Fanout{logger: logger.With().Str("component", "broadcast").Logger()}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish attempts every sink and joins their errors.
func (f *Fanout) Publish(ctx context.Context, event string, payload any) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, event, payload); err != nil {
			f.logger.Warn().Err(err).Str("event", event).Msg("publish failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

var _ Publisher = (*Fanout)(nil)
