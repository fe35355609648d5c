// Package message defines the wire messages exchanged between islands,
// hosts, the coordinator and the sync server, together with their binary
// codec. Agent payloads are opaque: the runtime carries the bytes but
// never decodes them.
package message

import (
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// Kind tags the active variant of a Message.
type Kind uint8

const (
	// KindAgent carries an opaque migrant payload produced by user code.
	KindAgent Kind = iota + 1
	// KindMapSet writes a cell of the sharded grid extension.
	KindMapSet
	// KindMapGet reads a cell of the sharded grid extension.
	KindMapGet
	// KindHello introduces a host during bootstrap.
	KindHello
	// KindIpTable distributes the assembled membership table.
	KindIpTable
	// KindHostReady signals a host is done with the current phase.
	KindHostReady
	// KindStartSim releases the bootstrap barrier.
	KindStartSim
	// KindNextTurn advances the cluster to a turn.
	KindNextTurn
	// KindTurnDone acknowledges a completed turn.
	KindTurnDone
	// KindFinSim terminates the simulation.
	KindFinSim
	// KindOk is the generic positive request-reply ack.
	KindOk
	// KindErr is the generic negative request-reply ack.
	KindErr
	// KindIslands announces a host's island ids during ownership setup.
	KindIslands
	// KindOwners distributes the grid fragment ownership table.
	KindOwners
)

// Addr is a host's publisher endpoint. The "ip:port" rendering names the
// host within the cluster and doubles as its unicast topic key.
type Addr struct {
	IP   string `msgpack:"i"`
	Port int    `msgpack:"p"`
}

// Key renders the address as the "ip:port" topic key.
func (a Addr) Key() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// ParseAddr reverses Key.
func ParseAddr(s string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("parse host address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Addr{}, fmt.Errorf("parse host address %q: %w", s, err)
	}
	return Addr{IP: host, Port: port}, nil
}

// FragmentOwner names the island owning one grid fragment.
type FragmentOwner struct {
	Host   Addr      `msgpack:"h"`
	Island uuid.UUID `msgpack:"u"`
}

// OwnedFragment maps the half-open cell offset range [Start, End) to its
// owning island.
type OwnedFragment struct {
	Start uint64        `msgpack:"s"`
	End   uint64        `msgpack:"e"`
	Owner FragmentOwner `msgpack:"o"`
}

// Message is the tagged union carried on the wire and through mailboxes.
// Only the fields of the active Kind are meaningful.
type Message struct {
	Kind      Kind            `msgpack:"k"`
	Payload   []byte          `msgpack:"b"`
	X         uint64          `msgpack:"x"`
	Y         uint64          `msgpack:"y"`
	Val       int64           `msgpack:"v"`
	Host      Addr            `msgpack:"h"`
	Table     []Addr          `msgpack:"t"`
	Turn      uint32          `msgpack:"n"`
	IslandIDs []uuid.UUID     `msgpack:"i"`
	MapOwners []OwnedFragment `msgpack:"o"`
}

// Agent wraps an opaque user payload for migration.
func Agent(payload []byte) Message {
	return Message{Kind: KindAgent, Payload: payload}
}

// MapSet builds a grid cell write.
func MapSet(x, y uint64, val int64) Message {
	return Message{Kind: KindMapSet, X: x, Y: y, Val: val}
}

// MapGet builds a grid cell read.
func MapGet(x, y uint64, val int64) Message {
	return Message{Kind: KindMapGet, X: x, Y: y, Val: val}
}

// Hello introduces the given publisher endpoint.
func Hello(host Addr) Message {
	return Message{Kind: KindHello, Host: host}
}

// IpTable carries the assembled membership table.
func IpTable(table []Addr) Message {
	return Message{Kind: KindIpTable, Table: table}
}

// HostReady signals completion of the current bootstrap phase.
func HostReady() Message { return Message{Kind: KindHostReady} }

// StartSim releases the bootstrap barrier.
func StartSim() Message { return Message{Kind: KindStartSim} }

// NextTurn advances the cluster to turn n.
func NextTurn(n uint32) Message {
	return Message{Kind: KindNextTurn, Turn: n}
}

// TurnDone acknowledges a completed turn.
func TurnDone() Message { return Message{Kind: KindTurnDone} }

// FinSim terminates the simulation.
func FinSim() Message { return Message{Kind: KindFinSim} }

// Ok is the generic positive ack.
func Ok() Message { return Message{Kind: KindOk} }

// Err is the generic negative ack.
func Err() Message { return Message{Kind: KindErr} }

// Islands announces the given island ids.
func Islands(ids []uuid.UUID) Message {
	return Message{Kind: KindIslands, IslandIDs: ids}
}

// Owners carries the grid fragment ownership table.
func Owners(owners []OwnedFragment) Message {
	return Message{Kind: KindOwners, MapOwners: owners}
}

// String renders the message for logs. Agent payloads print only their
// length; the bytes stay opaque.
func (m Message) String() string {
	switch m.Kind {
	case KindAgent:
		return fmt.Sprintf("AGENT (%d bytes)", len(m.Payload))
	case KindMapSet:
		return fmt.Sprintf("MAP SET (%d, %d) -> %d", m.X, m.Y, m.Val)
	case KindMapGet:
		return fmt.Sprintf("MAP GET (%d, %d) -> %d", m.X, m.Y, m.Val)
	case KindHello:
		return fmt.Sprintf("HELLO FROM %s", m.Host.Key())
	case KindIpTable:
		return fmt.Sprintf("IP TABLE (%d hosts)", len(m.Table))
	case KindHostReady:
		return "HOST READY"
	case KindStartSim:
		return "START SIM"
	case KindNextTurn:
		return fmt.Sprintf("NEXT TURN (%d)", m.Turn)
	case KindTurnDone:
		return "TURN DONE"
	case KindFinSim:
		return "FIN SIM"
	case KindOk:
		return "OK"
	case KindErr:
		return "ERROR"
	case KindIslands:
		return fmt.Sprintf("ISLANDS (%d)", len(m.IslandIDs))
	case KindOwners:
		return fmt.Sprintf("MAP OWNERS (%d fragments)", len(m.MapOwners))
	default:
		return fmt.Sprintf("UNKNOWN KIND %d", m.Kind)
	}
}
