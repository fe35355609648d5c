// Package island runs user simulation code under the uniform island
// lifecycle: OnStart once, DoTurn per turn, OnFinish once. The runtime
// consumes the Island interface; everything an island may touch is
// exposed through its Env.
package island

import (
	"time"

	"github.com/google/uuid"

	"github.com/archipelago-sim/archipelago/internal/message"
	"github.com/archipelago-sim/archipelago/internal/metrics"
	"github.com/archipelago-sim/archipelago/internal/routing"
	"github.com/archipelago-sim/archipelago/internal/worldmap"
)

// Island is the user-visible lifecycle contract.
type Island interface {
	// OnStart runs once before any turn.
	OnStart()
	// DoTurn runs once per turn with the batch of messages that
	// arrived since the previous call.
	DoTurn(turn uint32, batch []message.Message)
	// OnFinish runs once after the last turn.
	OnFinish()
}

// Factory creates one island per worker at driver startup.
type Factory interface {
	Create(id uuid.UUID, env *Env) (Island, error)
}

// Env is the capability set handed to an island: intra- and inter-host
// routing, the simulation start time, the metric registry, and the
// optional grid extension.
type Env struct {
	book      *routing.AddressBook
	StartTime time.Time
	Metrics   *metrics.Hub
	// Map is non-nil only when the grid extension is enabled.
	Map *worldmap.Instance
}

// NewEnv wraps an address book into an island environment.
func NewEnv(book *routing.AddressBook, startTime time.Time, hub *metrics.Hub) *Env {
	return &Env{book: book, StartTime: startTime, Metrics: hub}
}

// SendToRndLocal delivers to a uniformly random island on this host.
func (e *Env) SendToRndLocal(msg message.Message) error {
	return e.book.SendToRndLocal(msg)
}

// SendToLocal delivers to the island with the given id on this host.
func (e *Env) SendToLocal(id uuid.UUID, msg message.Message) error {
	return e.book.SendToLocal(id, msg)
}

// SendToAllLocal delivers to every other island on this host.
func (e *Env) SendToAllLocal(msg message.Message) error {
	return e.book.SendToAllLocal(msg)
}

// SendToRndGlobal delivers to a uniformly random other host in the
// cluster.
func (e *Env) SendToRndGlobal(msg message.Message) error {
	return e.book.SendToRndGlobal(msg)
}

// SendToGlobal delivers to the given host.
func (e *Env) SendToGlobal(addr message.Addr, msg message.Message) error {
	return e.book.SendToGlobal(addr, msg)
}

// SendToAllGlobal broadcasts to every other host in the cluster.
func (e *Env) SendToAllGlobal(msg message.Message) error {
	return e.book.SendToAllGlobal(msg)
}

// ActiveIslands reports how many peer islands are still reachable on
// this host.
func (e *Env) ActiveIslands() int {
	return e.book.ActiveIslands()
}
