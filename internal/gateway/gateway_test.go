package gateway

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/db"
	"github.com/arkeep-io/taskctl/internal/registry"
	"github.com/arkeep-io/taskctl/internal/repository"
	"github.com/arkeep-io/taskctl/internal/wire"
)

type fakeAgentRepo struct {
	repository.AgentRepository
	byKey map[string]*db.Agent
}

func (f *fakeAgentRepo) GetByKey(ctx context.Context, key string) (*db.Agent, error) {
	agent, ok := f.byKey[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return agent, nil
}

func (f *fakeAgentRepo) UpdateStatus(ctx context.Context, key, status string, lastSeenAt time.Time) error {
	return nil
}

func (f *fakeAgentRepo) UpdateAllStatus(ctx context.Context, fromStatus, toStatus string, lastSeenAt time.Time) (int64, error) {
	return 0, nil
}

type fakeOrchestrator struct{}

func (fakeOrchestrator) OnResult(agentID string, payload wire.ResultPayload) {}
func (fakeOrchestrator) OnAgentConnect(agentID string)                      {}
func (fakeOrchestrator) OnAgentDisconnect(agentID string)                   {}

func newTestGateway(agents map[string]*db.Agent) *Gateway {
	return New(DefaultConfig(), registry.New(zap.NewNop()), &fakeAgentRepo{byKey: agents}, fakeOrchestrator{}, nil, zap.NewNop())
}

func TestAuthenticateUnknownAgentClosesWithCloseUnknownAgent(t *testing.T) {
	gw := newTestGateway(map[string]*db.Agent{})

	code, ok := gw.authenticate("ghost", "whatever", "127.0.0.1")
	if ok {
		t.Fatalf("expected authentication to fail for unknown agent")
	}
	if code != wire.CloseUnknownAgent {
		t.Fatalf("expected close code %d, got %d", wire.CloseUnknownAgent, code)
	}
}

func TestAuthenticateWrongTokenClosesWithCloseBadToken(t *testing.T) {
	gw := newTestGateway(map[string]*db.Agent{
		"agent-1": {AgentKey: "agent-1", AuthToken: "correct-secret", AllowList: `["*"]`},
	})

	code, ok := gw.authenticate("agent-1", "wrong-secret", "127.0.0.1")
	if ok {
		t.Fatalf("expected authentication to fail for wrong token")
	}
	if code != wire.CloseBadToken {
		t.Fatalf("expected close code %d, got %d", wire.CloseBadToken, code)
	}
}

func TestAuthenticateDisallowedIPClosesWithCloseIPRejected(t *testing.T) {
	gw := newTestGateway(map[string]*db.Agent{
		"agent-1": {AgentKey: "agent-1", AuthToken: "correct-secret", AllowList: `["10.0.0.1"]`},
	})

	code, ok := gw.authenticate("agent-1", "correct-secret", "192.168.1.1")
	if ok {
		t.Fatalf("expected authentication to fail for disallowed IP")
	}
	if code != wire.CloseIPRejected {
		t.Fatalf("expected close code %d, got %d", wire.CloseIPRejected, code)
	}
}

func TestAuthenticateSucceedsForMatchingTokenAndIP(t *testing.T) {
	gw := newTestGateway(map[string]*db.Agent{
		"agent-1": {AgentKey: "agent-1", AuthToken: "correct-secret", AllowList: `["*"]`},
	})

	_, ok := gw.authenticate("agent-1", "correct-secret", "192.168.1.1")
	if !ok {
		t.Fatalf("expected authentication to succeed")
	}
}

func TestWindowCounterRefusesEleventhAttemptInWindow(t *testing.T) {
	w := newWindowCounter(10, 60*time.Second)

	for i := 1; i <= 10; i++ {
		if !w.Allow("1.2.3.4") {
			t.Fatalf("attempt %d should be allowed within the limit of 10", i)
		}
	}

	if w.Allow("1.2.3.4") {
		t.Fatalf("11th attempt in the window should be refused")
	}
}

func TestWindowCounterResetsAfterWindowElapses(t *testing.T) {
	w := newWindowCounter(1, 10*time.Millisecond)

	if !w.Allow("1.2.3.4") {
		t.Fatalf("first attempt should be allowed")
	}
	if w.Allow("1.2.3.4") {
		t.Fatalf("second attempt within the same window should be refused")
	}

	time.Sleep(20 * time.Millisecond)

	if !w.Allow("1.2.3.4") {
		t.Fatalf("attempt after the window elapsed should be allowed again")
	}
}

func TestWindowCounterSweepDropsExpiredEntries(t *testing.T) {
	w := newWindowCounter(1, 10*time.Millisecond)
	w.Allow("1.2.3.4")
	time.Sleep(20 * time.Millisecond)

	w.sweep()

	w.mu.Lock()
	_, stillPresent := w.counts["1.2.3.4"]
	w.mu.Unlock()
	if stillPresent {
		t.Fatalf("expected sweep to drop the expired entry")
	}
}
