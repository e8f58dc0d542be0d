// Package security implements the content gate applied before and
// after each request: user input and assistant output are checked
// against the policy collaborator's rules and the request is allowed,
// allowed with a warning, or blocked.
package security

import (
	"context"
	"log/slog"
	"strings"
)

// Decision is the gate's verdict for a piece of content.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionBlock Decision = "block"
)

// Verdict is the gate's answer: a decision plus a human-readable
// reason for warn and block.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Rule is one policy entry supplied by the collaborator: content
// containing Keyword (case-insensitive) gets Severity.
type Rule struct {
	Keyword  string
	Severity Decision
}

// Policy is the external content-policy collaborator. Rules may change
// between calls; the gate fetches them per check.
type Policy interface {
	Rules(ctx context.Context) ([]Rule, error)
}

// Gate runs the pre- and post-hoc content checks. Policy collaborator
// errors fail open: availability wins over strictness, and the failure
// is logged at warn.
type Gate struct {
	policy      Policy
	preEnabled  bool
	postEnabled bool
	logger      *slog.Logger
}

// NewGate creates a content gate. A nil policy disables both checks.
func NewGate(policy Policy, preEnabled, postEnabled bool, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		policy:      policy,
		preEnabled:  preEnabled,
		postEnabled: postEnabled,
		logger:      logger.With("component", "security"),
	}
}

// CheckInput gates a user message before execution.
func (g *Gate) CheckInput(ctx context.Context, content string) Verdict {
	if !g.preEnabled {
		return Verdict{Decision: DecisionAllow}
	}
	return g.check(ctx, content)
}

// CheckOutput gates the accumulated assistant text after execution.
func (g *Gate) CheckOutput(ctx context.Context, content string) Verdict {
	if !g.postEnabled {
		return Verdict{Decision: DecisionAllow}
	}
	return g.check(ctx, content)
}

func (g *Gate) check(ctx context.Context, content string) Verdict {
	if g.policy == nil {
		return Verdict{Decision: DecisionAllow}
	}
	rules, err := g.policy.Rules(ctx)
	if err != nil {
		g.logger.Warn("content policy unavailable, allowing", "error", err)
		return Verdict{Decision: DecisionAllow}
	}

	lowered := strings.ToLower(content)
	verdict := Verdict{Decision: DecisionAllow}
	for _, rule := range rules {
		if rule.Keyword == "" {
			continue
		}
		if !strings.Contains(lowered, strings.ToLower(rule.Keyword)) {
			continue
		}
		switch rule.Severity {
		case DecisionBlock:
			// Block beats warn; first blocking rule wins.
			return Verdict{Decision: DecisionBlock, Reason: "content matched blocked term"}
		case DecisionWarn:
			if verdict.Decision == DecisionAllow {
				verdict = Verdict{Decision: DecisionWarn, Reason: "content matched flagged term"}
			}
		}
	}
	return verdict
}

// StaticPolicy is a fixed in-memory rule list, used for configuration
// driven deployments and tests.
type StaticPolicy struct {
	rules []Rule
}

// NewStaticPolicy builds a policy from fixed rules.
func NewStaticPolicy(rules []Rule) *StaticPolicy {
	return &StaticPolicy{rules: rules}
}

func (p *StaticPolicy) Rules(ctx context.Context) ([]Rule, error) {
	return p.rules, nil
}
