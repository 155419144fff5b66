// Package onboarding turns account onboarding commands from Kafka into pool
// registrations and removals.
package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/ILLUVRSE/account-pool/internal/lease"
	"github.com/ILLUVRSE/account-pool/internal/models"
)

const (
	OpRegister   = "register_account"
	OpDeregister = "deregister_account"
)

var ErrInvalidCommand = errors.New("invalid onboarding command")

// Command is the message format published by the account factory.
type Command struct {
	Operation string `json:"operation"`
	AccountID string `json:"account_id"`
	RoleARN   string `json:"role_arn,omitempty"`
}

// Registrar is the part of the lease manager onboarding drives.
type Registrar interface {
	Register(ctx context.Context, desc models.Descriptor) (models.Resource, bool, error)
	Deregister(ctx context.Context, id string) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     messageReader
	registrar  Registrar
	logger     zerolog.Logger
	retryBase  time.Duration
	retryLimit time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, registrar Registrar) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if topic == "" || groupID == "" {
		return nil, fmt.Errorf("kafka: topic and group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return newConsumer(r, registrar), nil
}

func newConsumer(r messageReader, registrar Registrar) *Consumer {
	return &Consumer{
		reader:     r,
		registrar:  registrar,
		logger:     log.Logger.With().Str("component", "onboarding").Logger(),
		retryBase:  time.Second,
		retryLimit: 30 * time.Second,
	}
}

// Handle applies a single command. ErrInvalidCommand marks a command that will never
// succeed; any other error is transient.
func (c *Consumer) Handle(ctx context.Context, cmd Command) error {
	switch cmd.Operation {
	case OpRegister:
		if cmd.AccountID == "" || cmd.RoleARN == "" {
			return fmt.Errorf("%w: account_id and role_arn required", ErrInvalidCommand)
		}
		res, created, err := c.registrar.Register(ctx, models.Descriptor{AccountID: cmd.AccountID, RoleARN: cmd.RoleARN})
		if errors.Is(err, lease.ErrInvalidDescriptor) {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if err != nil {
			return err
		}
		c.logger.Info().Str("resource_id", res.ID).Bool("created", created).Msg("account onboarded")
		return nil
	case OpDeregister:
		if cmd.AccountID == "" {
			return fmt.Errorf("%w: account_id required", ErrInvalidCommand)
		}
		err := c.registrar.Deregister(ctx, cmd.AccountID)
		if errors.Is(err, lease.ErrNotFound) {
			c.logger.Info().Str("resource_id", cmd.AccountID).Msg("account already removed")
			return nil
		}
		if err != nil {
			return err
		}
		c.logger.Info().Str("resource_id", cmd.AccountID).Msg("account offboarded")
		return nil
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidCommand, cmd.Operation)
	}
}

// Run consumes commands until ctx is cancelled. Invalid commands are logged and
// committed. A command that fails transiently is retried in place with backoff and
// committed only once applied, so the partition never skips past it.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error().Err(err).Msg("fetch command")
			if !sleep(ctx, c.retryBase) {
				return ctx.Err()
			}
			continue
		}
		if err := c.process(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("commit command")
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("dropping malformed command")
		return nil
	}
	delay := c.retryBase
	for {
		err := c.Handle(ctx, cmd)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidCommand) {
			c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("dropping invalid command")
			return nil
		}
		c.logger.Error().Err(err).Str("operation", cmd.Operation).Str("resource_id", cmd.AccountID).Dur("retry_in", delay).Msg("apply command")
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = min(delay*2, c.retryLimit)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
