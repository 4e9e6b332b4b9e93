package eventbus

import (
	"MarginWatch/internal/observability"
	"MarginWatch/internal/watcher"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// TickCommand asks the watcher to scan now instead of waiting for the next
// interval. An empty message body is a valid command.
type TickCommand struct {
	RequestID   string `json:"request_id"`
	RequestedBy string `json:"requested_by"`
}

// ParseTickCommand decodes a command payload.
func ParseTickCommand(data []byte) (TickCommand, error) {
	var cmd TickCommand
	if len(data) == 0 {
		return cmd, nil
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("unmarshal tick command: %w", err)
	}
	return cmd, nil
}

// TickRunner is satisfied by *watcher.Watcher.
type TickRunner interface {
	RunTick(ctx context.Context) (*watcher.TickReport, error)
}

// consumerManager is the subset of jetstream.JetStream used to create
// consumers.
type consumerManager interface {
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
}

// CommandSubscriber consumes tick commands from JetStream and runs a tick
// for each.
type CommandSubscriber struct {
	js      consumerManager
	runner  TickRunner
	metrics *observability.Metrics
	log     zerolog.Logger

	ctx      context.Context
	consumer jetstream.ConsumeContext
}

func NewCommandSubscriber(js consumerManager, runner TickRunner, metrics *observability.Metrics, log zerolog.Logger) *CommandSubscriber {
	return &CommandSubscriber{
		js:      js,
		runner:  runner,
		metrics: metrics,
		log:     log,
		ctx:     context.Background(),
	}
}

// Subscribe creates the durable consumer and starts handling commands.
// Commands use explicit ACK with max_deliver=5 and ack_wait=30s.
func (s *CommandSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, CommandsStream, jetstream.ConsumerConfig{
		Durable:       "marginwatch-tick",
		FilterSubject: TickCommandSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer marginwatch-tick: %w", err)
	}

	s.ctx = ctx
	cc, err := consumer.Consume(s.Handle)
	if err != nil {
		return fmt.Errorf("consume %s: %w", TickCommandSubject, err)
	}
	s.consumer = cc

	s.log.Info().Str("subject", TickCommandSubject).Msg("subscribed to tick commands")
	return nil
}

// Handle processes one command message.
//
// Malformed commands are terminated. A command arriving while a tick is
// already running is satisfied by that tick and acked. If the watcher is
// stopped the command is nak'ed for redelivery.
func (s *CommandSubscriber) Handle(msg jetstream.Msg) {
	cmd, err := ParseTickCommand(msg.Data())
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed tick command")
		s.count("malformed")
		msg.Term()
		return
	}

	log := s.log.With().Str("request_id", cmd.RequestID).Str("requested_by", cmd.RequestedBy).Logger()

	report, err := s.runner.RunTick(s.ctx)
	switch {
	case errors.Is(err, watcher.ErrTickInProgress):
		log.Info().Msg("tick already in progress, command satisfied")
		s.count("overlap")
		msg.Ack()
	case errors.Is(err, watcher.ErrNotRunning):
		log.Warn().Msg("watcher not running, command will be redelivered")
		s.count("not_running")
		msg.Nak()
	case err != nil:
		log.Error().Err(err).Msg("tick command failed")
		s.count("error")
		msg.Nak()
	default:
		log.Info().Str("tick_id", report.TickID.String()).Int("accounts", report.Accounts).Msg("tick command completed")
		s.count("completed")
		msg.Ack()
	}
}

// Stop stops consuming.
func (s *CommandSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
		s.log.Info().Msg("tick command subscriber stopped")
	}
}

func (s *CommandSubscriber) count(result string) {
	if s.metrics != nil {
		s.metrics.TickCommands.WithLabelValues(result).Inc()
	}
}
