package bridge

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cjihrig/pgee/pkg/pgee"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig represents NATS bridge configuration.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	Name          string `mapstructure:"name"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	// Republish turns messages received on "<prefix>.<channel>" subjects
	// back into pg_notify calls. Do not enable it in the same deployment
	// that forwards those channels outbound, or every notification loops.
	Republish bool `mapstructure:"republish"`
}

// NATSSink forwards notifications to "<prefix>.<channel>" NATS subjects.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSSink connects to the NATS server described by cfg.
func NewNATSSink(cfg NATSConfig, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	url := cmp.Or(cfg.URL, nats.DefaultURL)
	prefix := cmp.Or(cfg.SubjectPrefix, "pgee")

	opts := []nats.Option{
		nats.Name(cmp.Or(cfg.Name, "pgee-"+uuid.NewString()[:8])),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}
	return &NATSSink{nc: nc, prefix: prefix, logger: logger}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(channel string, payload []byte) error {
	return s.nc.Publish(s.prefix+"."+channel, payload)
}

// Republish subscribes to "<prefix>.>" and turns each inbound message into a
// Publish on e, with the channel taken from the subject suffix. The returned
// subscription stays active until unsubscribed or the sink closes.
func (s *NATSSink) Republish(ctx context.Context, e *pgee.Emitter) (*nats.Subscription, error) {
	subject := s.prefix + ".>"
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		channel := strings.TrimPrefix(msg.Subject, s.prefix+".")
		e.Publish(ctx, channel, json.RawMessage(msg.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	s.logger.Debug("republishing NATS subjects", zap.String("subject", subject))
	return sub, nil
}

func (s *NATSSink) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}
