package registry

import (
	"testing"

	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/wire"
)

type fakeHandle struct {
	sent   [][]byte
	closed wire.CloseCode
	closeN int
}

func (f *fakeHandle) Send(frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeHandle) Close(code wire.CloseCode) error {
	f.closed = code
	f.closeN++
	return nil
}

func newTestRegistry() *Registry {
	return New(zap.NewNop())
}

func TestRegisterIsOnline(t *testing.T) {
	r := newTestRegistry()
	if r.IsOnline("a1") {
		t.Fatal("expected a1 offline before registration")
	}
	r.Register("a1", &fakeHandle{})
	if !r.IsOnline("a1") {
		t.Fatal("expected a1 online after registration")
	}
}

func TestRegisterSupersedesPriorConnection(t *testing.T) {
	r := newTestRegistry()
	prior := &fakeHandle{}
	r.Register("a1", prior)
	r.Register("a1", &fakeHandle{})

	if prior.closeN != 1 {
		t.Fatalf("expected prior handle closed exactly once, got %d", prior.closeN)
	}
	if prior.closed != wire.CloseSuperseded {
		t.Fatalf("expected close code %d, got %d", wire.CloseSuperseded, prior.closed)
	}
	if !r.IsOnline("a1") {
		t.Fatal("expected a1 still online under the new handle")
	}
}

func TestUnregisterClosesAndRemoves(t *testing.T) {
	r := newTestRegistry()
	h := &fakeHandle{}
	r.Register("a1", h)
	r.Unregister("a1")

	if r.IsOnline("a1") {
		t.Fatal("expected a1 offline after unregister")
	}
	if h.closeN != 1 {
		t.Fatalf("expected handle closed once, got %d", h.closeN)
	}
}

func TestSendOfflineReturnsFalse(t *testing.T) {
	r := newTestRegistry()
	sent, err := r.Send("ghost", []byte("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent {
		t.Fatal("expected sent=false for an unregistered agent")
	}
}

func TestSendOnlineDeliversInOrder(t *testing.T) {
	r := newTestRegistry()
	h := &fakeHandle{}
	r.Register("a1", h)

	for i := 0; i < 3; i++ {
		sent, err := r.Send("a1", []byte{byte(i)})
		if err != nil || !sent {
			t.Fatalf("send %d failed: sent=%v err=%v", i, sent, err)
		}
	}
	if len(h.sent) != 3 {
		t.Fatalf("expected 3 frames delivered, got %d", len(h.sent))
	}
	for i, frame := range h.sent {
		if frame[0] != byte(i) {
			t.Fatalf("frame %d out of order: got %v", i, frame)
		}
	}
}

func TestListActive(t *testing.T) {
	r := newTestRegistry()
	r.Register("a1", &fakeHandle{})
	r.Register("a2", &fakeHandle{})

	active := r.ListActive()
	if len(active) != 2 {
		t.Fatalf("expected 2 active agents, got %d", len(active))
	}
}
