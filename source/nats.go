package source

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/diffract/errors"
)

// NATSSource receives length-prefixed image payloads over a NATS subject.
// Frames are buffered; a frame that arrives while the buffer is full is
// dropped with a warning.
type NATSSource struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger

	items chan *Item
	sub   *nats.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

// NATSConfig configures the payload source.
type NATSConfig struct {
	URL     string
	Subject string
	Buffer  int
	Name    string
}

// DefaultNATSConfig returns sensible subscription defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:     nats.DefaultURL,
		Subject: "diffract.images",
		Buffer:  64,
		Name:    "diffract",
	}
}

// NewNATSSource connects and subscribes, retrying the initial subscribe
// with exponential backoff.
func NewNATSSource(cfg NATSConfig, logger *slog.Logger) (*NATSSource, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "source", "NewNATSSource", "connect")
	}

	s := &NATSSource{
		conn:    conn,
		subject: cfg.Subject,
		logger:  logger,
		items:   make(chan *Item, cfg.Buffer),
		done:    make(chan struct{}),
	}

	subscribe := func() error {
		sub, err := conn.Subscribe(cfg.Subject, s.handle)
		if err != nil {
			return err
		}
		s.sub = sub
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(subscribe, bo); err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "source", "NewNATSSource", "subscribe")
	}

	return s, nil
}

func (s *NATSSource) handle(msg *nats.Msg) {
	it := &Item{
		Filename: s.subject,
		EventID:  uuid.NewString(),
		Payload:  msg.Data,
	}
	select {
	case s.items <- it:
	case <-s.done:
	default:
		// Buffer full: drop the frame rather than block the NATS
		// callback; the totals will show the gap
		s.logger.Warn("payload buffer full, dropping frame", "subject", s.subject)
	}
}

// Next implements Source. It blocks until a frame arrives, the source is
// closed, or the context ends.
func (s *NATSSource) Next(ctx context.Context) (*Item, error) {
	select {
	case it := <-s.items:
		return it, nil
	case <-s.done:
		// Drain anything already buffered before reporting end of input
		select {
		case it := <-s.items:
			return it, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes and drains the connection.
func (s *NATSSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.sub != nil {
			err = s.sub.Unsubscribe()
		}
		if derr := s.conn.Drain(); derr != nil && err == nil {
			err = derr
		}
	})
	return err
}
