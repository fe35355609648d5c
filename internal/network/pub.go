package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/archipelago-sim/archipelago/internal/config"
	"github.com/archipelago-sim/archipelago/internal/message"
)

// subscribePath is the websocket endpoint every publisher exposes.
const subscribePath = "/sub"

// subscribeRecord is the first message a subscriber sends after
// dialing: its identity and the topic keys it wants.
type subscribeRecord struct {
	From   string   `msgpack:"f"`
	Topics []string `msgpack:"t"`
}

// PubSocket is the publish side of the overlay: an HTTP server bound to
// this host's pub endpoint. Subscribers dial the /sub websocket and
// announce their topic set; Publish fans a record out to every
// subscriber whose set contains the topic. Exactly one goroutine (the
// dispatcher, after bootstrap) may call Publish.
type PubSocket struct {
	logger   *slog.Logger
	identity string
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*pubSubscriber]struct{}
}

type pubSubscriber struct {
	from   string
	conn   *websocket.Conn
	topics map[string]struct{}
	mu     sync.Mutex
}

// ListenPub binds the publisher endpoint. Bind failures are fatal to
// the process; the caller surfaces the error and exits.
func ListenPub(ip string, port int, identity string, logger *slog.Logger) (*PubSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, fmt.Errorf("bind publisher %s:%d: %w", ip, port, err)
	}

	p := &PubSocket{
		logger:   logger,
		identity: identity,
		ln:       ln,
		subs:     make(map[*pubSubscriber]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(subscribePath, p.handleSubscribe)
	p.srv = &http.Server{Handler: mux}
	go func() {
		if err := p.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("publisher server stopped", "error", err)
		}
	}()
	return p, nil
}

// Port reports the bound port. Useful when binding port 0 in tests.
func (p *PubSocket) Port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

// Publish sends one record to every subscriber listening on topic.
// Subscribers whose connection fails are dropped.
func (p *PubSocket) Publish(topic, from string, msg message.Message) error {
	data, err := message.EncodePub(topic, from, msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	targets := make([]*pubSubscriber, 0, len(p.subs))
	for s := range p.subs {
		if _, ok := s.topics[topic]; ok {
			targets = append(targets, s)
		}
	}
	p.mu.Unlock()

	p.logger.Log(context.Background(), config.LevelTrace, "publish",
		"topic", topic, "msg", msg.String(), "subscribers", len(targets))
	for _, s := range targets {
		s.mu.Lock()
		err := s.conn.WriteMessage(websocket.BinaryMessage, data)
		s.mu.Unlock()
		if err != nil {
			p.logger.Debug("dropping subscriber", "subscriber", s.from, "error", err)
			p.remove(s)
		}
	}
	return nil
}

// Close stops accepting subscribers and closes every connection.
func (p *PubSocket) Close() error {
	p.mu.Lock()
	for s := range p.subs {
		s.conn.Close()
	}
	p.subs = make(map[*pubSubscriber]struct{})
	p.mu.Unlock()
	return p.srv.Close()
}

func (p *PubSocket) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("subscriber upgrade failed", "error", err)
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var rec subscribeRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		p.logger.Warn("malformed subscribe record", "error", err)
		conn.Close()
		return
	}

	s := &pubSubscriber{
		from:   rec.From,
		conn:   conn,
		topics: make(map[string]struct{}, len(rec.Topics)),
	}
	for _, t := range rec.Topics {
		s.topics[t] = struct{}{}
	}
	p.mu.Lock()
	p.subs[s] = struct{}{}
	p.mu.Unlock()

	// Ack the subscription so the dialer knows it is registered before
	// it moves on; the handshake relies on that ordering.
	s.mu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	s.mu.Unlock()
	if err != nil {
		p.remove(s)
		conn.Close()
		return
	}
	p.logger.Debug("subscriber connected", "subscriber", rec.From, "topics", len(rec.Topics))

	// Subscribers never send past the subscribe record; this read only
	// detects the connection going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	p.remove(s)
	conn.Close()
}

func (p *PubSocket) remove(s *pubSubscriber) {
	p.mu.Lock()
	delete(p.subs, s)
	p.mu.Unlock()
}
