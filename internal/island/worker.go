package island

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/archipelago-sim/archipelago/internal/mailbox"
	"github.com/archipelago-sim/archipelago/internal/message"
	"github.com/archipelago-sim/archipelago/internal/routing"
)

// Worker drives one island through its lifecycle on one of the two
// turn loops. It owns the island's mailbox receiver; the address books
// of its peers and the collector hold the sender side.
type Worker struct {
	logger     *slog.Logger
	id         uuid.UUID
	island     Island
	mbox       *mailbox.Queue[message.Message]
	barrier    *Barrier
	dispatcher *mailbox.Sender[routing.Command]
}

// NewWorker wires an island to its mailbox. barrier may be nil when the
// local islands are not synchronized.
func NewWorker(id uuid.UUID, isl Island, mbox *mailbox.Queue[message.Message], barrier *Barrier, dispatcher *mailbox.Sender[routing.Command], logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		logger:     logger.With("island", id.String()),
		id:         id,
		island:     isl,
		mbox:       mbox,
		barrier:    barrier,
		dispatcher: dispatcher,
	}
}

// RunLocal executes the counted local turn loop: drain the mailbox,
// run the turn, optionally rendezvous with the other local islands.
func (w *Worker) RunLocal(turns uint32) {
	defer w.closeMailbox()
	w.island.OnStart()
	for turn := uint32(0); turn < turns; turn++ {
		batch := w.mbox.Drain()
		w.island.DoTurn(turn, batch)
		if w.barrier != nil {
			w.barrier.Wait()
		}
	}
	w.island.OnFinish()
}

// RunGlobalSync executes the sync-server-driven loop: block on the
// mailbox until NextTurn releases the turn, run it, rendezvous, then
// acknowledge through the dispatcher. FinSim ends the loop.
func (w *Worker) RunGlobalSync() {
	defer w.closeMailbox()
	w.island.OnStart()
	for {
		next, turn, batch := w.receiveSync()
		if !next {
			if len(batch) > 0 {
				// Messages pending at termination are observed here and
				// dropped; no further turn runs.
				w.logger.Debug("dropping messages at termination", "count", len(batch))
			}
			break
		}
		w.island.DoTurn(turn, batch)
		if w.barrier != nil {
			w.barrier.Wait()
		}
		if err := w.dispatcher.Send(routing.Command{Kind: routing.Info, Msg: message.TurnDone()}); err != nil {
			w.logger.Warn("dispatcher gone while acknowledging turn", "turn", turn)
		}
	}
	w.island.OnFinish()
}

// receiveSync blocks on the mailbox, accumulating the turn batch until
// a NextTurn releases it or FinSim terminates the island.
func (w *Worker) receiveSync() (next bool, turn uint32, batch []message.Message) {
	finSim := false
	for !next && !finSim {
		items, ok := w.mbox.Wait()
		if !ok {
			return false, 0, batch
		}
		for _, msg := range items {
			switch msg.Kind {
			case message.KindNextTurn:
				next = true
				turn = msg.Turn
			case message.KindFinSim:
				finSim = true
			default:
				batch = append(batch, msg)
			}
		}
	}
	if finSim {
		return false, 0, batch
	}
	return true, turn, batch
}

func (w *Worker) closeMailbox() {
	if leftover := w.mbox.Close(); len(leftover) > 0 {
		w.logger.Debug("discarding undelivered mailbox messages", "count", len(leftover))
	}
}
