package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const clientName = "trafficmind-gateway"

// subscribeBuffer is how many messages the NATS client holds for a
// subscription before it reports a slow consumer and drops.
const subscribeBuffer = 64

func dial(url string, opts ...nats.Option) (*nats.Conn, error) {
	base := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes JSON events with the topic as the subject. The
// dashboard event name travels in the Event header.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := dial(url)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := nats.NewMsg(topic)
	msg.Data = data
	msg.Header.Set("Event", SocketEvent(topic))
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn.IsClosed() {
		return nil
	}
	err := p.conn.FlushTimeout(2 * time.Second)
	p.conn.Close()
	return err
}

// NATSSubscriber reads raw payloads from NATS subjects. Signal feeds from
// field controllers arrive this way.
type NATSSubscriber struct {
	conn *nats.Conn
}

// NewNATSSubscriber connects with unlimited reconnects. opts are applied after
// the defaults.
func NewNATSSubscriber(url string, opts ...nats.Option) (*NATSSubscriber, error) {
	nc, err := dial(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSSubscriber{conn: nc}, nil
}

// Subscribe streams the payloads published on subject, which may contain
// wildcards. The returned stop func unsubscribes and closes the channel; it is
// safe to call more than once.
func (s *NATSSubscriber) Subscribe(subject string) (<-chan []byte, func(), error) {
	msgs := make(chan *nats.Msg, subscribeBuffer)
	sub, err := s.conn.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	// Register with the server before returning so nothing published after
	// Subscribe is missed.
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	out := make(chan []byte)
	quit := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-quit:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Data:
				case <-quit:
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			close(quit)
		})
	}
	return out, stop, nil
}

// Connected reports whether the connection is currently up.
func (s *NATSSubscriber) Connected() bool {
	return s.conn.IsConnected()
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}
