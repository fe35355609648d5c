// Package network owns the sockets of one host: the publisher endpoint,
// the subscriber connections to every peer, and the request/reply
// channels used by the membership handshake and the sync server
// protocol. After the handshake the socket owners are handed to the
// dispatcher (publisher, server request) and collector (subscriber).
package network

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/archipelago-sim/archipelago/internal/config"
	"github.com/archipelago-sim/archipelago/internal/message"
)

// Topic keys understood by every subscriber.
const (
	// CoordInfoKey carries coordinator bootstrap publications.
	CoordInfoKey = "COORD_INFO"
	// ServerInfoKey carries sync server publications.
	ServerInfoKey = "SERVER_INFO"
	// BroadcastKey carries cluster-wide broadcasts.
	BroadcastKey = "BROADCAST"
)

// DispatcherCtx is the slice of the network context owned by the
// dispatcher after bootstrap.
type DispatcherCtx struct {
	Identity string
	// Table is the membership table excluding this host; random
	// unicast picks among the peers.
	Table     []message.Addr
	Pub       *PubSocket
	ServerReq *RequestSocket
}

// CollectorCtx is the slice owned by the collector.
type CollectorCtx struct {
	Identity string
	Sub      *SubSocket
}

// Context bootstraps a host's place in the cluster.
type Context struct {
	logger   *slog.Logger
	settings config.NetworkSettings
	identity string
	self     message.Addr

	pub       *PubSocket
	sub       *SubSocket
	rep       *ReplySocket
	req       *RequestSocket
	serverReq *RequestSocket
}

// NewContext binds this host's publisher and prepares the subscriber
// with the three standing topic keys. Bind failures are fatal.
func NewContext(settings config.NetworkSettings, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}

	self := message.Addr{IP: settings.HostIP, Port: settings.PubPort}
	pub, err := ListenPub(settings.HostIP, settings.PubPort, self.Key(), logger)
	if err != nil {
		return nil, err
	}
	// Binding port 0 resolves the real port; the identity must name it.
	self.Port = pub.Port()
	settings.PubPort = pub.Port()
	identity := self.Key()

	sub := NewSub(identity, logger)
	sub.Subscribe(identity)
	sub.Subscribe(CoordInfoKey)
	sub.Subscribe(BroadcastKey)

	return &Context{
		logger:   logger,
		settings: settings,
		identity: identity,
		self:     self,
		pub:      pub,
		sub:      sub,
	}, nil
}

// Identity is this host's "ip:pub-port" name on the wire.
func (c *Context) Identity() string { return c.identity }

// Self is this host's publisher address.
func (c *Context) Self() message.Addr { return c.self }

// Init runs the membership handshake of the flavor selected by the
// settings and splits the context into the dispatcher and collector
// views. It blocks until the whole cluster is ready to simulate.
func (c *Context) Init(ctx context.Context) (*DispatcherCtx, *CollectorCtx, error) {
	var table []message.Addr
	var err error
	switch {
	case c.settings.GlobalSync.Sync:
		table, err = c.initGlobalSync(ctx)
	case c.settings.IsCoordinator:
		table, err = c.initCoordinator(ctx)
	default:
		table, err = c.initParticipant(ctx)
	}
	if err != nil {
		return nil, nil, err
	}

	peers := make([]message.Addr, 0, len(table))
	for _, addr := range table {
		if addr != c.self {
			peers = append(peers, addr)
		}
	}
	c.logger.Info("membership established", "identity", c.identity, "peers", len(peers))

	dis := &DispatcherCtx{
		Identity:  c.identity,
		Table:     peers,
		Pub:       c.pub,
		ServerReq: c.serverReq,
	}
	coll := &CollectorCtx{Identity: c.identity, Sub: c.sub}
	return dis, coll, nil
}

// Close releases every socket the context still owns.
func (c *Context) Close() {
	if c.rep != nil {
		c.rep.Close()
	}
	c.sub.Close()
	c.pub.Close()
}

// initGlobalSync introduces this host to the sync server, receives the
// membership table from it, and connects to every peer.
func (c *Context) initGlobalSync(ctx context.Context) ([]message.Addr, error) {
	gs := c.settings.GlobalSync
	c.sub.Subscribe(ServerInfoKey)
	c.serverReq = NewRequest(gs.ServerIP, gs.ServerRepPort, c.identity, c.logger)
	if err := c.sub.Connect(ctx, message.Addr{IP: gs.ServerIP, Port: gs.ServerPubPort}); err != nil {
		return nil, err
	}

	if err := c.hello(ctx, c.serverReq); err != nil {
		return nil, err
	}
	table, err := c.waitForIpTable()
	if err != nil {
		return nil, err
	}
	if err := c.connectPeers(ctx, table); err != nil {
		return nil, err
	}
	if err := c.ready(ctx, c.serverReq); err != nil {
		return nil, err
	}
	return table, nil
}

// initCoordinator runs the reply side of the coordinator-mediated
// handshake: collect Hellos, publish the table, collect HostReady
// confirmations, release StartSim.
func (c *Context) initCoordinator(ctx context.Context) ([]message.Addr, error) {
	rep, err := ListenReply(c.settings.CoordinatorIP, c.settings.CoordinatorRepPort, c.logger)
	if err != nil {
		return nil, err
	}
	c.rep = rep

	participants := c.settings.HostsNum - 1
	table, err := WaitForHosts(ctx, rep, participants, c.logger)
	if err != nil {
		return nil, err
	}
	if err := c.connectPeers(ctx, table); err != nil {
		return nil, err
	}
	table = append(table, c.self)

	if err := c.pub.Publish(CoordInfoKey, c.identity, message.IpTable(table)); err != nil {
		return nil, err
	}
	if err := WaitForConfirmations(ctx, rep, participants, c.logger); err != nil {
		return nil, err
	}
	c.logger.Info("releasing start barrier")
	if err := c.pub.Publish(CoordInfoKey, c.identity, message.StartSim()); err != nil {
		return nil, err
	}
	return table, nil
}

// initParticipant runs the request side: Hello the coordinator, await
// the table, connect to every peer, confirm, and block on StartSim.
func (c *Context) initParticipant(ctx context.Context) ([]message.Addr, error) {
	coord := message.Addr{IP: c.settings.CoordinatorIP, Port: c.settings.CoordinatorPubPort}
	c.req = NewRequest(c.settings.CoordinatorIP, c.settings.CoordinatorRepPort, c.identity, c.logger)
	if err := c.sub.Connect(ctx, coord); err != nil {
		return nil, err
	}

	if err := c.hello(ctx, c.req); err != nil {
		return nil, err
	}
	table, err := c.waitForIpTable()
	if err != nil {
		return nil, err
	}
	if err := c.connectPeers(ctx, table); err != nil {
		return nil, err
	}
	if err := c.ready(ctx, c.req); err != nil {
		return nil, err
	}
	return table, c.waitForStartSim()
}

// WaitForHosts collects exactly n Hello messages on the reply socket,
// acking each with Ok. Anything else gets Err and the phase continues.
// Both the coordinator and the sync server run this.
func WaitForHosts(ctx context.Context, rep *ReplySocket, n int, logger *slog.Logger) ([]message.Addr, error) {
	table := make([]message.Addr, 0, n)
	for len(table) < n {
		select {
		case req := <-rep.Requests():
			if req.Msg.Kind != message.KindHello {
				logger.Warn("unexpected message while waiting for hosts",
					"from", req.From, "msg", req.Msg.String())
				req.Reply(message.Err())
				continue
			}
			logger.Info("host joined", "host", req.Msg.Host.Key())
			table = append(table, req.Msg.Host)
			req.Reply(message.Ok())
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for hosts: %w", ctx.Err())
		}
	}
	return table, nil
}

// WaitForConfirmations collects exactly n HostReady messages on the
// reply socket.
func WaitForConfirmations(ctx context.Context, rep *ReplySocket, n int, logger *slog.Logger) error {
	for count := 0; count < n; {
		select {
		case req := <-rep.Requests():
			if req.Msg.Kind != message.KindHostReady {
				logger.Warn("unexpected message while waiting for confirmations",
					"from", req.From, "msg", req.Msg.String())
				req.Reply(message.Err())
				continue
			}
			count++
			req.Reply(message.Ok())
		case <-ctx.Done():
			return fmt.Errorf("waiting for confirmations: %w", ctx.Err())
		}
	}
	return nil
}

// waitForIpTable blocks on the subscriber until the membership table
// arrives, dropping this host's own entry.
func (c *Context) waitForIpTable() ([]message.Addr, error) {
	c.logger.Info("waiting for membership table")
	for rec := range c.sub.Recv() {
		if rec.Msg.Kind != message.KindIpTable {
			c.logger.Debug("ignoring message while waiting for membership",
				"msg", rec.Msg.String())
			continue
		}
		table := make([]message.Addr, 0, len(rec.Msg.Table))
		for _, addr := range rec.Msg.Table {
			if addr != c.self {
				table = append(table, addr)
			}
		}
		return table, nil
	}
	return nil, fmt.Errorf("subscriber closed while waiting for membership table")
}

// waitForStartSim blocks until the coordinator releases the barrier.
func (c *Context) waitForStartSim() error {
	c.logger.Info("waiting for start signal")
	for rec := range c.sub.Recv() {
		if rec.Msg.Kind == message.KindStartSim {
			return nil
		}
		c.logger.Debug("ignoring message while waiting for start", "msg", rec.Msg.String())
	}
	return fmt.Errorf("subscriber closed while waiting for start signal")
}

func (c *Context) connectPeers(ctx context.Context, table []message.Addr) error {
	for _, addr := range table {
		if addr == c.self {
			continue
		}
		if err := c.sub.Connect(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) hello(ctx context.Context, req *RequestSocket) error {
	c.logger.Info("sending hello", "host", c.identity)
	reply, err := req.Request(ctx, message.Hello(c.self))
	if err != nil {
		return err
	}
	if reply.Kind != message.KindOk {
		return fmt.Errorf("hello rejected: %s", reply)
	}
	return nil
}

func (c *Context) ready(ctx context.Context, req *RequestSocket) error {
	c.logger.Info("sending host ready")
	reply, err := req.Request(ctx, message.HostReady())
	if err != nil {
		return err
	}
	if reply.Kind != message.KindOk {
		return fmt.Errorf("host ready rejected: %s", reply)
	}
	return nil
}
