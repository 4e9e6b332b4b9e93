package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventsStream   = "MARGIN_RISK_EVENTS"
	CommandsStream = "MARGIN_RISK_COMMANDS"

	CommandsSubjectPrefix = "margin.risk.commands"
	TickCommandSubject    = CommandsSubjectPrefix + ".tick"
)

// streamManager is the subset of jetstream.JetStream used to provision
// streams.
type streamManager interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// StreamConfigs returns the streams MarginWatch publishes to and consumes
// from. Events are kept for 72h; tick commands are a work queue.
func StreamConfigs() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:       EventsStream,
			Subjects:   []string{"margin.risk.events.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:      CommandsStream,
			Subjects:  []string{CommandsSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
			MaxAge:    time.Hour,
			Replicas:  1,
		},
	}
}

// EnsureStreams creates or updates the JetStream streams.
func EnsureStreams(ctx context.Context, js streamManager, log zerolog.Logger) error {
	for _, cfg := range StreamConfigs() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Connect establishes a NATS connection that reconnects forever and returns
// a JetStream context on top of it.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("marginwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
