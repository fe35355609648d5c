package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/archipelago-sim/archipelago/internal/config"
	"github.com/archipelago-sim/archipelago/internal/message"
)

// dialRetryInterval paces reconnect attempts while a peer's publisher
// is not up yet. Peers may bootstrap in any order.
const dialRetryInterval = 250 * time.Millisecond

// Record is one inbound publish as seen by the subscriber.
type Record struct {
	Topic string
	From  string
	Msg   message.Message
}

// SubSocket is the subscribe side of the overlay. It dials every peer
// publisher and fans all inbound records into one channel owned by the
// collector. Topic keys must be registered before the corresponding
// Connect; the bootstrap sequence guarantees that ordering.
type SubSocket struct {
	logger   *slog.Logger
	identity string

	mu        sync.Mutex
	topics    map[string]struct{}
	conns     map[string]*websocket.Conn
	closed    bool
	closeOnce sync.Once

	recv chan Record
	done chan struct{}
	wg   sync.WaitGroup
}

// NewSub creates an unconnected subscriber for the given host identity.
func NewSub(identity string, logger *slog.Logger) *SubSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubSocket{
		logger:   logger,
		identity: identity,
		topics:   make(map[string]struct{}),
		conns:    make(map[string]*websocket.Conn),
		recv:     make(chan Record, 64),
		done:     make(chan struct{}),
	}
}

// Subscribe registers a topic key. Connections opened afterwards filter
// on the registered set.
func (s *SubSocket) Subscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = struct{}{}
}

// Connect dials the publisher at addr and announces the current topic
// set. Connecting twice to the same endpoint is a no-op; peers appear
// both in the membership table and as explicit coordinator endpoints.
func (s *SubSocket) Connect(ctx context.Context, addr message.Addr) error {
	endpoint := addr.Key()
	s.mu.Lock()
	if _, ok := s.conns[endpoint]; ok || s.closed {
		s.mu.Unlock()
		return nil
	}
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	u := url.URL{Scheme: "ws", Host: endpoint, Path: subscribePath}
	conn, err := dialWithRetry(ctx, u.String())
	if err != nil {
		return fmt.Errorf("connect subscriber to %s: %w", endpoint, err)
	}

	sub, err := msgpack.Marshal(subscribeRecord{From: s.identity, Topics: topics})
	if err != nil {
		conn.Close()
		return fmt.Errorf("encode subscribe record: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, sub); err != nil {
		conn.Close()
		return fmt.Errorf("send subscribe record to %s: %w", endpoint, err)
	}
	// The publisher acks once the subscription is registered; nothing
	// published after this point can be missed.
	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		return fmt.Errorf("await subscribe ack from %s: %w", endpoint, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conns[endpoint] = conn
	s.mu.Unlock()

	s.logger.Debug("subscribed to peer", "peer", endpoint, "topics", len(topics))
	s.wg.Add(1)
	go s.readLoop(endpoint, conn)
	return nil
}

// Recv is the single inbound channel. It closes after Close once every
// connection reader has drained.
func (s *SubSocket) Recv() <-chan Record {
	return s.recv
}

// Close tears down every connection and, once the readers stop, closes
// the receive channel.
func (s *SubSocket) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		for _, conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		close(s.recv)
	})
}

func (s *SubSocket) readLoop(endpoint string, conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("peer connection closed", "peer", endpoint, "error", err)
			return
		}
		rec, msg, err := message.DecodePub(data)
		if err != nil {
			// Malformed inbound payloads are dropped; they advance nothing.
			s.logger.Warn("dropping malformed record", "peer", endpoint, "error", err)
			continue
		}
		s.logger.Log(context.Background(), config.LevelTrace, "received",
			"topic", rec.Topic, "from", rec.From, "msg", msg.String())
		select {
		case s.recv <- Record{Topic: rec.Topic, From: rec.From, Msg: msg}:
		case <-s.done:
			return
		}
	}
}

func dialWithRetry(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetryInterval):
		}
	}
}
