package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject naming for connector links: connector.<role>.<queue>.
const (
	SubjectStratifierRecv = "connector.stratifier.recv"
	SubjectStratifierSend = "connector.stratifier.send"
	SubjectGeneratorRecv  = "connector.generator.recv"
	SubjectGeneratorSend  = "connector.generator.send"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "connector",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSLink is a Link backed by a pair of NATS subjects: one this process
// publishes to (outbound to the peer process), one it subscribes on
// (inbound from the peer process). This modernizes ckpool's original
// named-pipe IPC between the connector, stratifier and generator processes
// for deployments that run them as separate OS processes rather than
// in-process goroutines.
type NATSLink struct {
	conn       *nats.Conn
	sendSubj   string
	recvSubj   string
	sub        *nats.Subscription
	msgs       chan json.RawMessage
}

// NewNATSLink connects to NATS and subscribes to recvSubj, publishing future
// Send calls to sendSubj.
func NewNATSLink(cfg NATSConfig, sendSubj, recvSubj string) (*NATSLink, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("connector: bus: nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("connector: bus: nats reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connector: bus: nats connect: %w", err)
	}

	l := &NATSLink{conn: nc, sendSubj: sendSubj, recvSubj: recvSubj, msgs: make(chan json.RawMessage, 256)}

	sub, err := nc.Subscribe(recvSubj, func(msg *nats.Msg) {
		select {
		case l.msgs <- msg.Data:
		default:
			log.Printf("connector: bus: nats inbound buffer full, dropping message on %s", recvSubj)
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("connector: bus: nats subscribe %s: %w", recvSubj, err)
	}
	l.sub = sub

	log.Printf("connector: bus: nats link up send=%s recv=%s", sendSubj, recvSubj)
	return l, nil
}

// Send publishes msg to the outbound subject.
func (l *NATSLink) Send(ctx context.Context, msg json.RawMessage) error {
	if err := l.conn.Publish(l.sendSubj, msg); err != nil {
		return fmt.Errorf("connector: bus: nats publish %s: %w", l.sendSubj, err)
	}
	return nil
}

// Receive blocks until a message arrives on the inbound subject.
func (l *NATSLink) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-l.msgs:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes and drains the NATS connection.
func (l *NATSLink) Close() error {
	if l.sub != nil {
		if err := l.sub.Drain(); err != nil {
			log.Printf("connector: bus: nats drain %s: %v", l.recvSubj, err)
		}
	}
	return l.conn.Drain()
}
