package routing

import "github.com/archipelago-sim/archipelago/internal/message"

// CommandKind selects the routing the dispatcher applies to a command's
// inner message.
type CommandKind uint8

const (
	// UnicastRandom publishes to one uniformly random peer host; this
	// host is never chosen.
	UnicastRandom CommandKind = iota + 1
	// Unicast publishes to the host named by Addr.
	Unicast
	// Broadcast publishes under the cluster-wide broadcast key.
	Broadcast
	// Info addresses the dispatcher itself (HostReady, TurnDone, FinSim).
	Info
)

// Command is the envelope consumed by the dispatcher. It never appears
// on the wire; only the inner message does.
type Command struct {
	Kind CommandKind
	Msg  message.Message
	Addr message.Addr
}
