package security

import (
	"context"
	"errors"
	"testing"
)

type errPolicy struct{}

func (errPolicy) Rules(ctx context.Context) ([]Rule, error) {
	return nil, errors.New("policy service down")
}

func testGate() *Gate {
	policy := NewStaticPolicy([]Rule{
		{Keyword: "forbidden", Severity: DecisionBlock},
		{Keyword: "sketchy", Severity: DecisionWarn},
	})
	return NewGate(policy, true, true, nil)
}

func TestGateDecisions(t *testing.T) {
	g := testGate()
	tests := []struct {
		name    string
		content string
		want    Decision
	}{
		{"clean", "hello world", DecisionAllow},
		{"blocked", "this is FORBIDDEN content", DecisionBlock},
		{"warned", "somewhat sketchy request", DecisionWarn},
		{"block beats warn", "sketchy and forbidden", DecisionBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.CheckInput(context.Background(), tt.content); got.Decision != tt.want {
				t.Errorf("CheckInput(%q) = %s, want %s", tt.content, got.Decision, tt.want)
			}
		})
	}
}

func TestGateFailOpen(t *testing.T) {
	g := NewGate(errPolicy{}, true, true, nil)
	if got := g.CheckInput(context.Background(), "forbidden"); got.Decision != DecisionAllow {
		t.Errorf("policy error should fail open, got %s", got.Decision)
	}
}

func TestGateDisabledChecks(t *testing.T) {
	g := NewGate(NewStaticPolicy([]Rule{{Keyword: "forbidden", Severity: DecisionBlock}}), false, false, nil)
	if got := g.CheckInput(context.Background(), "forbidden"); got.Decision != DecisionAllow {
		t.Errorf("disabled pre-check should allow, got %s", got.Decision)
	}
	if got := g.CheckOutput(context.Background(), "forbidden"); got.Decision != DecisionAllow {
		t.Errorf("disabled post-check should allow, got %s", got.Decision)
	}
}

func TestGateOutputCheck(t *testing.T) {
	g := testGate()
	if got := g.CheckOutput(context.Background(), "a forbidden answer"); got.Decision != DecisionBlock {
		t.Errorf("CheckOutput should block, got %s", got.Decision)
	}
}
