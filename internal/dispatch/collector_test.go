package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/archipelago-sim/archipelago/internal/mailbox"
	"github.com/archipelago-sim/archipelago/internal/message"
	"github.com/archipelago-sim/archipelago/internal/network"
	"github.com/archipelago-sim/archipelago/internal/routing"
)

type collectorFixture struct {
	pub       *network.PubSocket
	mailboxes []*mailbox.Queue[message.Message]
	commands  *mailbox.Queue[routing.Command]
	collector *Collector
	done      chan struct{}
}

// newCollectorFixture wires a running collector to a loopback publisher
// and n local island mailboxes.
func newCollectorFixture(t *testing.T, n int) *collectorFixture {
	t.Helper()
	pub, err := network.ListenPub("127.0.0.1", 0, "remote", discard())
	if err != nil {
		t.Fatalf("ListenPub(): %v", err)
	}
	t.Cleanup(func() { pub.Close() })

	identity := "127.0.0.1:9"
	sub := network.NewSub(identity, discard())
	sub.Subscribe(identity)
	sub.Subscribe(network.BroadcastKey)
	if err := sub.Connect(context.Background(), message.Addr{IP: "127.0.0.1", Port: pub.Port()}); err != nil {
		t.Fatalf("Connect(): %v", err)
	}
	t.Cleanup(sub.Close)

	mailboxes := make([]*mailbox.Queue[message.Message], n)
	senders := make([]*mailbox.Sender[message.Message], n)
	ids := make([]uuid.UUID, n)
	for i := range mailboxes {
		mailboxes[i] = mailbox.New[message.Message]()
		senders[i] = mailboxes[i].Sender()
		ids[i] = uuid.New()
	}

	commands := mailbox.New[routing.Command]()
	book := routing.NewAddressBook(commands.Sender(), senders, ids)
	collector := NewCollector(&network.CollectorCtx{Identity: identity, Sub: sub}, book, nil, nil, discard())

	done := make(chan struct{})
	go func() {
		defer close(done)
		collector.Run()
	}()

	return &collectorFixture{
		pub:       pub,
		mailboxes: mailboxes,
		commands:  commands,
		collector: collector,
		done:      done,
	}
}

func (f *collectorFixture) join(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector never exited")
	}
}

// waitForKind polls a mailbox until a message of the wanted kind shows
// up, accumulating everything drained along the way.
func waitForKind(t *testing.T, mbox *mailbox.Queue[message.Message], kind message.Kind) message.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range mbox.Drain() {
			if msg.Kind == kind {
				return msg
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no message of kind %d arrived", kind)
	return message.Message{}
}

func TestCollectorBroadcastsNextTurnLocally(t *testing.T) {
	f := newCollectorFixture(t, 2)

	f.pub.Publish(network.BroadcastKey, "remote", message.NextTurn(4))

	for i, mbox := range f.mailboxes {
		msg := waitForKind(t, mbox, message.KindNextTurn)
		if msg.Turn != 4 {
			t.Errorf("mailbox %d got NextTurn(%d), want 4", i, msg.Turn)
		}
	}

	f.pub.Publish(network.BroadcastKey, "remote", message.FinSim())
	f.join(t)
}

func TestCollectorRoutesAgentToOneIsland(t *testing.T) {
	f := newCollectorFixture(t, 3)
	payload := []byte{0x0B, 0x0E}

	f.pub.Publish(network.BroadcastKey, "remote", message.Agent(payload))
	f.pub.Publish(network.BroadcastKey, "remote", message.FinSim())
	f.join(t)

	delivered := 0
	for _, mbox := range f.mailboxes {
		for _, msg := range mbox.Drain() {
			if msg.Kind == message.KindAgent {
				delivered++
				if string(msg.Payload) != string(payload) {
					t.Errorf("payload = %v, want %v", msg.Payload, payload)
				}
			}
		}
	}
	if delivered != 1 {
		t.Errorf("agent delivered to %d islands, want exactly 1", delivered)
	}
}

func TestCollectorFinSimPropagates(t *testing.T) {
	f := newCollectorFixture(t, 2)

	f.pub.Publish(network.BroadcastKey, "remote", message.FinSim())
	f.join(t)

	for i, mbox := range f.mailboxes {
		found := false
		for _, msg := range mbox.Drain() {
			if msg.Kind == message.KindFinSim {
				found = true
			}
		}
		if !found {
			t.Errorf("island %d never saw FinSim", i)
		}
	}

	finInfo := false
	for _, cmd := range f.commands.Drain() {
		if cmd.Kind == routing.Info && cmd.Msg.Kind == message.KindFinSim {
			finInfo = true
		}
	}
	if !finInfo {
		t.Error("collector never forwarded FinSim to the dispatcher")
	}
}

func TestCollectorCtrlFinSim(t *testing.T) {
	f := newCollectorFixture(t, 1)

	f.collector.Ctrl() <- message.FinSim()
	f.join(t)

	if msg := waitForKind(t, f.mailboxes[0], message.KindFinSim); msg.Kind != message.KindFinSim {
		t.Error("island never saw the control FinSim")
	}
}

func TestCollectorDropsAgentWithNoIslands(t *testing.T) {
	f := newCollectorFixture(t, 1)
	f.mailboxes[0].Close()

	// Both payloads hit a host with no live islands; they are dropped
	// without stalling the loop.
	f.pub.Publish(network.BroadcastKey, "remote", message.Agent([]byte{1}))
	f.pub.Publish(network.BroadcastKey, "remote", message.Agent([]byte{2}))
	f.pub.Publish(network.BroadcastKey, "remote", message.FinSim())
	f.join(t)
}

func TestCollectorReplaysPendingRecords(t *testing.T) {
	pubRecord := network.Record{
		Topic: network.BroadcastKey,
		From:  "remote",
		Msg:   message.Agent([]byte{0x77}),
	}

	mbox := mailbox.New[message.Message]()
	commands := mailbox.New[routing.Command]()
	book := routing.NewAddressBook(commands.Sender(),
		[]*mailbox.Sender[message.Message]{mbox.Sender()}, []uuid.UUID{uuid.New()})

	sub := network.NewSub("h", discard())
	t.Cleanup(sub.Close)
	collector := NewCollector(&network.CollectorCtx{Identity: "h", Sub: sub},
		book, nil, []network.Record{pubRecord}, discard())

	done := make(chan struct{})
	go func() {
		defer close(done)
		collector.Run()
	}()

	if msg := waitForKind(t, mbox, message.KindAgent); string(msg.Payload) != "\x77" {
		t.Errorf("replayed payload = %v, want [0x77]", msg.Payload)
	}
	collector.Ctrl() <- message.FinSim()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector never exited")
	}
}
