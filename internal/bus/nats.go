package bus

import (
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus is the production Bus backed by a NATS cluster.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSBus connects to NATS with reconnect handling. A dropped bus
// connection degrades cross-instance delivery but never crashes the
// instance; NATS buffers publishes during reconnect.
func NewNATSBus(url string, logger zerolog.Logger) (*NATSBus, error) {
	log := logger.With().Str("component", "bus").Logger()

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("url", url).Msg("connected to NATS")
	return &NATSBus{conn: conn, logger: log}, nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, h Handler) (io.Closer, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return natsSubscription{sub}, nil
}

func (b *NATSBus) Close() {
	b.conn.Drain() //nolint:errcheck // best-effort flush before close
	b.conn.Close()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Close() error {
	return s.sub.Unsubscribe()
}
