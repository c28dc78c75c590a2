// Package broker mirrors game lifecycle events onto NATS.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/Seednode/santabox/exchange"
)

type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "santabox.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher is an exchange.EventSink that publishes each event to
// <prefix>.<game id>.<event type>.
type Publisher struct {
	conn   Conn
	prefix string
	close  func()
}

func NewPublisher(conn Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// Connect dials NATS and returns a publisher owning the connection.
func Connect(cfg Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("santabox"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	p := NewPublisher(nc, cfg.SubjectPrefix)
	p.close = nc.Close
	return p, nil
}

func (p *Publisher) Subject(event exchange.Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, event.GameID, event.Type)
}

func (p *Publisher) Publish(ctx context.Context, event exchange.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.close != nil {
		p.close()
	}
}
