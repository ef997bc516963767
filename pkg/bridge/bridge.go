// Package bridge forwards notifications routed by a pgee.Emitter to external
// transports (NATS subjects, MQTT topics), and optionally republishes
// inbound transport messages as pg_notify calls.
//
// The bridge is transport republishing only. It inherits the emitter's
// guarantees and nothing more: no persistence, no delivery ordering, and a
// notification that arrives while a sink is down is lost.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/cjihrig/pgee/pkg/metrics"
	"github.com/cjihrig/pgee/pkg/pgee"
	"go.uber.org/zap"
)

// Sink delivers one routed notification to an external transport.
type Sink interface {
	// Name identifies the sink in logs and metrics, e.g. "nats".
	Name() string
	Publish(channel string, payload []byte) error
	Close() error
}

// Config selects which channels are bridged and to where.
type Config struct {
	Channels []string   `mapstructure:"channels"`
	NATS     NATSConfig `mapstructure:"nats"`
	MQTT     MQTTConfig `mapstructure:"mqtt"`
}

// Bridge subscribes an emitter to a set of channels and forwards every
// routed notification to all configured sinks.
type Bridge struct {
	emitter *pgee.Emitter
	sinks   []Sink
	logger  *zap.Logger
}

// New builds a Bridge over e. The emitter must already be connected before
// Attach is called.
func New(e *pgee.Emitter, logger *zap.Logger, sinks ...Sink) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{emitter: e, sinks: sinks, logger: logger}
}

// Attach subscribes the bridge to each channel. It blocks until every
// subscription settles and returns the joined subscribe errors, if any.
func (b *Bridge) Attach(ctx context.Context, channels []string) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, ch := range channels {
		ch := ch
		wg.Add(1)
		b.emitter.Subscribe(ctx, ch,
			func(payload any) { b.forward(ch, payload) },
			func(_ string, err error) {
				defer wg.Done()
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close closes every sink. The emitter is left to its owner.
func (b *Bridge) Close() error {
	var errs []error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forward serializes one routed payload and hands it to every sink. A sink
// failure is counted and logged but never stops the bridge or the other
// sinks.
func (b *Bridge) forward(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("bridge encode failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	for _, s := range b.sinks {
		if err := s.Publish(channel, data); err != nil {
			metrics.BridgeErrors.WithLabelValues(s.Name()).Inc()
			b.logger.Error("bridge publish failed",
				zap.String("sink", s.Name()),
				zap.String("channel", channel),
				zap.Error(err))
			continue
		}
		metrics.BridgeForwarded.WithLabelValues(s.Name()).Inc()
		b.logger.Debug("bridge forwarded",
			zap.String("sink", s.Name()),
			zap.String("channel", channel))
	}
}
