package dispatch

import (
	"log/slog"

	"github.com/archipelago-sim/archipelago/internal/message"
	"github.com/archipelago-sim/archipelago/internal/metrics"
	"github.com/archipelago-sim/archipelago/internal/network"
	"github.com/archipelago-sim/archipelago/internal/routing"
)

// Collector consumes the subscriber socket and routes every inbound
// record to local islands through its own address book. Exactly one
// collector runs per host.
type Collector struct {
	logger *slog.Logger
	net    *network.CollectorCtx
	book   *routing.AddressBook
	hub    *metrics.Hub
	ctrl   chan message.Message
	// pending holds records the driver read off the subscriber during
	// ownership setup; they are replayed before live traffic.
	pending []network.Record
}

// NewCollector builds a collector over the post-handshake subscriber
// view. The address book fans inbound traffic into local mailboxes and
// reaches the dispatcher for FinSim propagation.
func NewCollector(net *network.CollectorCtx, book *routing.AddressBook, hub *metrics.Hub, pending []network.Record, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		logger:  logger,
		net:     net,
		book:    book,
		hub:     hub,
		ctrl:    make(chan message.Message, 4),
		pending: pending,
	}
}

// Ctrl is the collector's control mailbox. The driver signals FinSim
// here when the local turn loop finishes.
func (c *Collector) Ctrl() chan<- message.Message {
	return c.ctrl
}

// Run demultiplexes inbound records until FinSim is observed (on the
// wire or on the control mailbox) or the subscriber closes.
func (c *Collector) Run() {
	c.logger.Info("collector started")
	for _, rec := range c.pending {
		if c.deliver(rec) {
			return
		}
	}
	c.pending = nil

	for {
		select {
		case msg := <-c.ctrl:
			if msg.Kind != message.KindFinSim {
				c.logger.Warn("unexpected control message in collector", "msg", msg.String())
				continue
			}
			c.logger.Info("finishing simulation in collector")
			if err := c.book.SendToAllLocal(msg); err != nil {
				c.logger.Debug("islands already finished")
			}
			return
		case rec, ok := <-c.net.Sub.Recv():
			if !ok {
				c.logger.Info("subscriber closed, collector finished")
				return
			}
			if c.deliver(rec) {
				return
			}
		}
	}
}

// deliver routes one record, reporting whether the collector should
// terminate.
func (c *Collector) deliver(rec network.Record) bool {
	c.hub.IncReceived(rec.From, c.net.Identity, metrics.StatusOK)
	switch rec.Msg.Kind {
	case message.KindNextTurn:
		if err := c.book.SendToAllLocal(rec.Msg); err != nil {
			c.logger.Error("no active islands while delivering next turn", "turn", rec.Msg.Turn)
		}
	case message.KindFinSim:
		c.logger.Info("finishing simulation in collector")
		if err := c.book.SendToAllLocal(rec.Msg); err != nil {
			c.logger.Error("no active islands while delivering fin sim")
		}
		if err := c.book.SendInfo(rec.Msg); err != nil {
			c.logger.Debug("dispatcher already finished")
		}
		return true
	case message.KindAgent:
		if err := c.book.SendToRndLocal(rec.Msg); err != nil {
			// No active islands remain; the payload is dropped.
			c.logger.Info("dropping migrant payload", "from", rec.From, "bytes", len(rec.Msg.Payload))
		}
	default:
		c.logger.Warn("unexpected message in collector", "msg", rec.Msg.String(), "from", rec.From)
	}
	return false
}
