package core

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Stream subjects. Events land on sec.events.<module>.<type> and alerts on
// sec.alerts.<module>.<severity>.
const (
	EventSubjectPrefix = "sec.events"
	AlertSubjectPrefix = "sec.alerts"
)

// EventSubject is the subject a security event is published to.
func EventSubject(module, eventType string) string {
	return EventSubjectPrefix + "." + subjectToken(module) + "." + subjectToken(eventType)
}

// AlertSubject is the subject an alert is published to.
func AlertSubject(module string, sev Severity) string {
	return AlertSubjectPrefix + "." + subjectToken(module) + "." + sev.String()
}

// subjectToken keeps wildcards and separators out of a subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// EventBus publishes alerts, quarantine notices and purge results to NATS
// JetStream.
type EventBus struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	ns      *server.Server
	logger  zerolog.Logger
	metrics *Metrics

	mu   sync.Mutex
	subs []*nats.Subscription
}

func stream(name, prefix string, maxAge time.Duration) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      name,
		Subjects:  []string{prefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    maxAge,
		MaxBytes:  512 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
}

var busStreams = []*nats.StreamConfig{
	stream("BASTION_EVENTS", EventSubjectPrefix, 7*24*time.Hour),
	stream("BASTION_ALERTS", AlertSubjectPrefix, 30*24*time.Hour),
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an
// embedded NATS server; Port -1 picks a random port. metrics may be nil.
func NewEventBus(cfg *BusConfig, metrics *Metrics, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		metrics: metrics,
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	// AddStream returns the existing stream if config matches; a stream left
	// by an older version with a different config is updated in place.
	for _, sc := range busStreams {
		if _, err := js.AddStream(sc); err != nil {
			if _, updateErr := js.UpdateStream(sc); updateErr != nil {
				bus.Close()
				return nil, fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
			}
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// PublishEvent publishes a SecurityEvent to its EventSubject.
func (b *EventBus) PublishEvent(event *SecurityEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	subject := EventSubject(event.Module, event.Type)
	if err := b.publish("event", subject, data); err != nil {
		return err
	}
	b.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", subject).
		Str("severity", event.Severity.String()).
		Msg("event published")
	return nil
}

// PublishAlert publishes an Alert to its AlertSubject.
func (b *EventBus) PublishAlert(alert *Alert) error {
	data, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	return b.publish("alert", AlertSubject(alert.Module, alert.Severity), data)
}

func (b *EventBus) publish(kind, subject string, data []byte) error {
	_, err := b.js.Publish(subject, data)
	result := "published"
	if err != nil {
		result = "failed"
	}
	if b.metrics != nil {
		b.metrics.BusMessages.WithLabelValues(kind, result).Inc()
	}
	if err != nil {
		return fmt.Errorf("publishing %s to %s: %w", kind, subject, err)
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern. An empty durable
// name creates an ephemeral consumer.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
		b.ns = nil
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}
