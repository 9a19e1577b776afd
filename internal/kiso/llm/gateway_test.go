package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/kiso-run/kiso/internal/kiso/llm"
)

type fakeTransport struct {
	calls int
	resp  *llm.Response
	err   error
}

func (f *fakeTransport) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestGatewayAccumulatesTokenUsage(t *testing.T) {
	transport := &fakeTransport{resp: &llm.Response{Text: "ok", InputTokens: 10, OutputTokens: 5}}
	gw := llm.NewGateway(transport)
	budget := llm.NewBudget(200)

	for i := 0; i < 3; i++ {
		if _, err := gw.Call(context.Background(), budget, llm.Request{Role: llm.RolePlanner, Model: "gpt-test"}); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}

	if budget.Calls() != 3 {
		t.Errorf("Calls: got %d, want 3", budget.Calls())
	}
	if budget.InputTokens() != 30 {
		t.Errorf("InputTokens: got %d, want 30", budget.InputTokens())
	}
	if budget.OutputTokens() != 15 {
		t.Errorf("OutputTokens: got %d, want 15", budget.OutputTokens())
	}
}

func TestGatewayStopsAtBudgetCeiling(t *testing.T) {
	transport := &fakeTransport{resp: &llm.Response{Text: "ok"}}
	gw := llm.NewGateway(transport)
	budget := llm.NewBudget(2)

	for i := 0; i < 2; i++ {
		if _, err := gw.Call(context.Background(), budget, llm.Request{Role: llm.RoleMessenger}); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
	}

	if _, err := gw.Call(context.Background(), budget, llm.Request{Role: llm.RoleMessenger}); !errors.Is(err, llm.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if transport.calls != 2 {
		t.Fatalf("transport should not be called once budget is exhausted, got %d calls", transport.calls)
	}
}

func TestGatewayWrapsTransportError(t *testing.T) {
	sentinel := errors.New("boom")
	transport := &fakeTransport{err: sentinel}
	gw := llm.NewGateway(transport)
	budget := llm.NewBudget(10)

	_, err := gw.Call(context.Background(), budget, llm.Request{Role: llm.RoleSearcher, Model: "gpt-test"})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel error, got %v", err)
	}
}

func TestGatewayDoesNotChargeTokensOnError(t *testing.T) {
	transport := &fakeTransport{err: errors.New("down")}
	gw := llm.NewGateway(transport)
	budget := llm.NewBudget(10)

	if _, err := gw.Call(context.Background(), budget, llm.Request{Role: llm.RoleSummarizer}); err == nil {
		t.Fatal("expected error")
	}
	if budget.InputTokens() != 0 || budget.OutputTokens() != 0 {
		t.Fatalf("token counters must stay zero on error, got in=%d out=%d", budget.InputTokens(), budget.OutputTokens())
	}
}
