// Package routing performs intra-host message routing. Every island
// worker (and the collector) owns an AddressBook holding sender handles
// to all other local island mailboxes plus one handle to the dispatcher
// queue for off-host traffic.
package routing

import (
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/archipelago-sim/archipelago/internal/mailbox"
	"github.com/archipelago-sim/archipelago/internal/message"
)

// SendError reports that a message could not be delivered locally. It
// carries the original message so the caller can recover the payload.
type SendError struct {
	Msg message.Message
}

func (e *SendError) Error() string {
	return fmt.Sprintf("no island accepted message %s", e.Msg)
}

// AddressBook is a per-owner view of the local islands and the
// dispatcher. The peer senders and ids are parallel slices aligned by
// index; when a send fails the index is evicted from both. Not safe for
// concurrent use: each book belongs to exactly one worker.
type AddressBook struct {
	dispatcher *mailbox.Sender[Command]
	peers      []*mailbox.Sender[message.Message]
	ids        []uuid.UUID
}

// NewAddressBook builds a book over the given parallel peer view. The
// slices are owned by the book afterwards.
func NewAddressBook(dispatcher *mailbox.Sender[Command], peers []*mailbox.Sender[message.Message], ids []uuid.UUID) *AddressBook {
	return &AddressBook{dispatcher: dispatcher, peers: peers, ids: ids}
}

// ActiveIslands reports how many peer islands are still reachable.
func (b *AddressBook) ActiveIslands() int {
	return len(b.peers)
}

// SendToRndLocal delivers to a uniformly random peer island, evicting
// dead peers until a send succeeds. Fails only when no peers remain;
// the error carries the undelivered message.
func (b *AddressBook) SendToRndLocal(msg message.Message) error {
	for len(b.peers) > 0 {
		i := rand.IntN(len(b.peers))
		if err := b.peers[i].Send(msg); err != nil {
			b.evict(i)
			continue
		}
		return nil
	}
	return &SendError{Msg: msg}
}

// SendToLocal delivers to the peer island with the given id. Unknown
// ids and dead peers yield an error carrying the message.
func (b *AddressBook) SendToLocal(id uuid.UUID, msg message.Message) error {
	for i, peer := range b.ids {
		if peer == id {
			if err := b.peers[i].Send(msg); err != nil {
				return &SendError{Msg: msg}
			}
			return nil
		}
	}
	return &SendError{Msg: msg}
}

// SendToAllLocal delivers to every peer island, evicting any that fail.
// It errors only when zero sends succeeded.
func (b *AddressBook) SendToAllLocal(msg message.Message) error {
	delivered := 0
	for i := 0; i < len(b.peers); {
		if err := b.peers[i].Send(msg); err != nil {
			b.evict(i)
			continue
		}
		delivered++
		i++
	}
	if delivered == 0 {
		return &SendError{Msg: msg}
	}
	return nil
}

// SendToRndGlobal hands the message to the dispatcher for delivery to a
// random other host in the cluster.
func (b *AddressBook) SendToRndGlobal(msg message.Message) error {
	return b.dispatcher.Send(Command{Kind: UnicastRandom, Msg: msg})
}

// SendToGlobal hands the message to the dispatcher for delivery to the
// given host.
func (b *AddressBook) SendToGlobal(addr message.Addr, msg message.Message) error {
	return b.dispatcher.Send(Command{Kind: Unicast, Msg: msg, Addr: addr})
}

// SendToAllGlobal hands the message to the dispatcher for cluster-wide
// broadcast. This host's own islands do not receive it.
func (b *AddressBook) SendToAllGlobal(msg message.Message) error {
	return b.dispatcher.Send(Command{Kind: Broadcast, Msg: msg})
}

// SendInfo hands a control message to the dispatcher itself.
func (b *AddressBook) SendInfo(msg message.Message) error {
	return b.dispatcher.Send(Command{Kind: Info, Msg: msg})
}

// Dispatcher exposes the dispatcher handle for components that forward
// control traffic directly.
func (b *AddressBook) Dispatcher() *mailbox.Sender[Command] {
	return b.dispatcher
}

func (b *AddressBook) evict(i int) {
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	b.ids = append(b.ids[:i], b.ids[i+1:]...)
}
