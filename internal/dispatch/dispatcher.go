// Package dispatch holds the two per-host mediation tasks: the
// dispatcher, which owns the publisher socket and serializes every
// off-host send, and the collector, which owns the subscriber socket
// and demultiplexes every inbound record to local islands.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"github.com/archipelago-sim/archipelago/internal/mailbox"
	"github.com/archipelago-sim/archipelago/internal/message"
	"github.com/archipelago-sim/archipelago/internal/network"
	"github.com/archipelago-sim/archipelago/internal/routing"
)

// Dispatcher consumes routing commands in queue order and applies them
// to the publisher socket and the sync server request socket. Exactly
// one dispatcher runs per host.
type Dispatcher struct {
	logger  *slog.Logger
	queue   *mailbox.Queue[routing.Command]
	net     *network.DispatcherCtx
	islands int

	// confirmations folds per-island TurnDone acks into one per-host
	// ack towards the sync server.
	confirmations int
}

// NewDispatcher builds a dispatcher over its command queue and the
// post-handshake network view. islands is the local island count used
// to fold TurnDone acknowledgements.
func NewDispatcher(queue *mailbox.Queue[routing.Command], net *network.DispatcherCtx, islands int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, queue: queue, net: net, islands: islands}
}

// Run processes commands until FinSim is observed or the queue closes.
// ready is closed once the loop is consuming; the spawner waits on it.
func (d *Dispatcher) Run(ctx context.Context, ready chan<- struct{}) {
	d.logger.Info("dispatcher started")
	if ready != nil {
		close(ready)
	}
	for {
		batch, ok := d.queue.Wait()
		for i, cmd := range batch {
			if d.apply(ctx, cmd) {
				if rest := len(batch) - i - 1; rest > 0 {
					d.logger.Debug("dropping queued commands at shutdown", "count", rest)
				}
				d.logger.Info("dispatcher finished")
				return
			}
		}
		if !ok {
			d.logger.Info("dispatcher queue closed")
			return
		}
	}
}

// apply executes one command, reporting whether the dispatcher should
// terminate.
func (d *Dispatcher) apply(ctx context.Context, cmd routing.Command) bool {
	switch cmd.Kind {
	case routing.UnicastRandom:
		if len(d.net.Table) == 0 {
			d.logger.Warn("no peer hosts, dropping message", "msg", cmd.Msg.String())
			return false
		}
		addr := d.net.Table[rand.IntN(len(d.net.Table))]
		d.publish(addr.Key(), cmd.Msg)
	case routing.Unicast:
		d.publish(cmd.Addr.Key(), cmd.Msg)
	case routing.Broadcast:
		d.publish(network.BroadcastKey, cmd.Msg)
	case routing.Info:
		return d.info(ctx, cmd.Msg)
	default:
		d.logger.Warn("unexpected command in dispatcher", "kind", int(cmd.Kind))
	}
	return false
}

func (d *Dispatcher) publish(topic string, msg message.Message) {
	if err := d.net.Pub.Publish(topic, d.net.Identity, msg); err != nil {
		d.logger.Error("publish failed", "topic", topic, "error", err)
	}
}

func (d *Dispatcher) info(ctx context.Context, msg message.Message) bool {
	switch msg.Kind {
	case message.KindHostReady:
		d.request(ctx, msg)
	case message.KindTurnDone:
		d.confirmations++
		if d.confirmations == d.islands {
			d.request(ctx, msg)
			d.confirmations = 0
		}
	case message.KindFinSim:
		d.logger.Info("finishing simulation in dispatcher")
		return true
	default:
		d.logger.Warn("unexpected info message in dispatcher", "msg", msg.String())
	}
	return false
}

// request forwards a control message to the sync server and awaits its
// ack. The round trip is the dispatcher's only suspension point.
func (d *Dispatcher) request(ctx context.Context, msg message.Message) {
	if d.net.ServerReq == nil {
		d.logger.Warn("no sync server configured", "msg", msg.String())
		return
	}
	reply, err := d.net.ServerReq.Request(ctx, msg)
	if err != nil {
		d.logger.Error("sync server request failed", "msg", msg.String(), "error", err)
		return
	}
	if reply.Kind != message.KindOk {
		d.logger.Warn("sync server rejected message", "msg", msg.String(), "reply", reply.String())
	}
}
