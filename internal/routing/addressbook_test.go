package routing

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/archipelago-sim/archipelago/internal/mailbox"
	"github.com/archipelago-sim/archipelago/internal/message"
)

type fixture struct {
	book      *AddressBook
	mailboxes []*mailbox.Queue[message.Message]
	ids       []uuid.UUID
	commands  *mailbox.Queue[Command]
}

// newFixture builds a book over n live peer mailboxes.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	commands := mailbox.New[Command]()
	mailboxes := make([]*mailbox.Queue[message.Message], n)
	senders := make([]*mailbox.Sender[message.Message], n)
	ids := make([]uuid.UUID, n)
	for i := range mailboxes {
		mailboxes[i] = mailbox.New[message.Message]()
		senders[i] = mailboxes[i].Sender()
		ids[i] = uuid.New()
	}
	return &fixture{
		book:      NewAddressBook(commands.Sender(), senders, ids),
		mailboxes: mailboxes,
		ids:       ids,
		commands:  commands,
	}
}

func TestSendToLocalDeliversOnlyToTarget(t *testing.T) {
	f := newFixture(t, 3)

	if err := f.book.SendToLocal(f.ids[1], message.Ok()); err != nil {
		t.Fatalf("SendToLocal(): %v", err)
	}

	if got := f.mailboxes[1].Drain(); len(got) != 1 || got[0].Kind != message.KindOk {
		t.Errorf("target mailbox = %v, want one Ok", got)
	}
	for _, i := range []int{0, 2} {
		if got := f.mailboxes[i].Drain(); len(got) != 0 {
			t.Errorf("mailbox %d received %v, want nothing", i, got)
		}
	}
}

func TestSendToLocalUnknownID(t *testing.T) {
	f := newFixture(t, 2)
	msg := message.Agent([]byte{1, 2, 3})

	err := f.book.SendToLocal(uuid.New(), msg)
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("SendToLocal() = %v, want *SendError", err)
	}
	if string(sendErr.Msg.Payload) != string(msg.Payload) {
		t.Errorf("SendError carries %v, want original payload %v", sendErr.Msg.Payload, msg.Payload)
	}
}

func TestSendToRndLocalDelivers(t *testing.T) {
	f := newFixture(t, 3)

	if err := f.book.SendToRndLocal(message.Ok()); err != nil {
		t.Fatalf("SendToRndLocal(): %v", err)
	}

	delivered := 0
	for _, mbox := range f.mailboxes {
		delivered += len(mbox.Drain())
	}
	if delivered != 1 {
		t.Errorf("delivered %d copies, want exactly 1", delivered)
	}
}

func TestSendToRndLocalSkipsDeadPeers(t *testing.T) {
	f := newFixture(t, 3)
	f.mailboxes[0].Close()
	f.mailboxes[2].Close()

	// Every send must land on the only live peer, evicting the dead
	// ones along the way.
	for i := 0; i < 10; i++ {
		if err := f.book.SendToRndLocal(message.Ok()); err != nil {
			t.Fatalf("SendToRndLocal() #%d: %v", i, err)
		}
	}
	if got := len(f.mailboxes[1].Drain()); got != 10 {
		t.Errorf("live mailbox received %d messages, want 10", got)
	}
	if f.book.ActiveIslands() != 1 {
		t.Errorf("ActiveIslands() = %d, want 1", f.book.ActiveIslands())
	}
}

func TestSendToRndLocalAllDead(t *testing.T) {
	f := newFixture(t, 2)
	for _, mbox := range f.mailboxes {
		mbox.Close()
	}
	msg := message.Agent([]byte{0xAB})

	err := f.book.SendToRndLocal(msg)
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("SendToRndLocal() = %v, want *SendError", err)
	}
	if string(sendErr.Msg.Payload) != string(msg.Payload) {
		t.Errorf("SendError carries %v, want unmodified payload %v", sendErr.Msg.Payload, msg.Payload)
	}
	if f.book.ActiveIslands() != 0 {
		t.Errorf("ActiveIslands() = %d, want 0", f.book.ActiveIslands())
	}
}

func TestSendToAllLocalPartialSuccess(t *testing.T) {
	f := newFixture(t, 3)
	f.mailboxes[1].Close()

	if err := f.book.SendToAllLocal(message.Ok()); err != nil {
		t.Fatalf("SendToAllLocal(): %v", err)
	}
	for _, i := range []int{0, 2} {
		if got := len(f.mailboxes[i].Drain()); got != 1 {
			t.Errorf("mailbox %d received %d messages, want 1", i, got)
		}
	}
	// The dead peer is evicted exactly once.
	if f.book.ActiveIslands() != 2 {
		t.Errorf("ActiveIslands() = %d, want 2", f.book.ActiveIslands())
	}

	if err := f.book.SendToAllLocal(message.Ok()); err != nil {
		t.Fatalf("second SendToAllLocal(): %v", err)
	}
	if f.book.ActiveIslands() != 2 {
		t.Errorf("ActiveIslands() after second send = %d, want 2", f.book.ActiveIslands())
	}
}

func TestSendToAllLocalAllDead(t *testing.T) {
	f := newFixture(t, 2)
	for _, mbox := range f.mailboxes {
		mbox.Close()
	}

	if err := f.book.SendToAllLocal(message.Ok()); err == nil {
		t.Error("SendToAllLocal() succeeded with zero live peers")
	}
}

func TestPeerDeathEvictsOnce(t *testing.T) {
	f := newFixture(t, 3)
	f.mailboxes[1].Close()

	for i := 0; i < 20; i++ {
		if err := f.book.SendToRndLocal(message.Ok()); err != nil {
			t.Fatalf("SendToRndLocal(): %v", err)
		}
	}
	if f.book.ActiveIslands() != 2 {
		t.Fatalf("ActiveIslands() = %d, want 2", f.book.ActiveIslands())
	}
	// The dead island never received anything and never reappears.
	if got := f.mailboxes[1].Drain(); len(got) != 0 {
		t.Errorf("dead mailbox received %v", got)
	}
}

func TestGlobalSendsBecomeDispatcherCommands(t *testing.T) {
	f := newFixture(t, 1)
	addr := message.Addr{IP: "10.0.0.9", Port: 7000}

	if err := f.book.SendToRndGlobal(message.Agent([]byte{1})); err != nil {
		t.Fatalf("SendToRndGlobal(): %v", err)
	}
	if err := f.book.SendToGlobal(addr, message.Agent([]byte{2})); err != nil {
		t.Fatalf("SendToGlobal(): %v", err)
	}
	if err := f.book.SendToAllGlobal(message.Agent([]byte{3})); err != nil {
		t.Fatalf("SendToAllGlobal(): %v", err)
	}
	if err := f.book.SendInfo(message.FinSim()); err != nil {
		t.Fatalf("SendInfo(): %v", err)
	}

	cmds := f.commands.Drain()
	if len(cmds) != 4 {
		t.Fatalf("dispatcher received %d commands, want 4", len(cmds))
	}
	wantKinds := []CommandKind{UnicastRandom, Unicast, Broadcast, Info}
	for i, want := range wantKinds {
		if cmds[i].Kind != want {
			t.Errorf("command %d kind = %d, want %d", i, cmds[i].Kind, want)
		}
	}
	if cmds[1].Addr != addr {
		t.Errorf("unicast addr = %v, want %v", cmds[1].Addr, addr)
	}
}
