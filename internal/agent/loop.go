package agent

import (
	"context"
	"errors"

	"github.com/atlascore/atlas/internal/events"
	"github.com/atlascore/atlas/internal/llm"
	"github.com/atlascore/atlas/pkg/models"
)

// DefaultMaxSteps bounds the agentic loop.
const DefaultMaxSteps = 10

// ErrMaxStepsExceeded reports an agentic run that hit the step bound
// without producing a final answer.
var ErrMaxStepsExceeded = errors.New("agent exceeded maximum steps")

// RunAgentic drives the iterative plan/act loop. Each step streams a
// tool-enabled completion with tool choice left to the model; steps
// with tool calls are executed and fed back, and the first step
// without them ends the run with its text as the final answer. Step
// progress is published as agent_step events; text from non-final
// steps stays buffered.
//
// Unlike the bounded tool cycle, exhausting the step budget is a
// failure: the last text produced is still streamed to the subscriber,
// and the run returns it alongside ErrMaxStepsExceeded so the caller
// decides how to finish the turn.
func (r *Runner) RunAgentic(ctx context.Context, req *llm.StreamRequest, exec *Executor, maxSteps int) (string, []models.Message, error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	var intermediate []models.Message
	working := *req
	working.Messages = append([]models.Message(nil), req.Messages...)
	working.ToolChoice = llm.ToolChoiceAuto

	var text string
	var buffered []string
	for step := 1; step <= maxSteps; step++ {
		var calls []models.ToolCall
		var err error
		text, buffered, calls, err = collectRound(ctx, r.Provider, &working)
		if err != nil {
			r.Publisher.Publish(events.AgentStep{Step: step, StepKind: events.StepError, Payload: err.Error()})
			return "", intermediate, err
		}

		if len(calls) == 0 {
			r.Publisher.Publish(events.AgentStep{Step: step, StepKind: events.StepFinal})
			events.EmitTokens(r.Publisher, buffered)
			return text, intermediate, nil
		}

		r.Publisher.Publish(events.AgentStep{Step: step, StepKind: events.StepToolCalls, Payload: stepCalls(calls)})

		assistant := models.Message{Role: models.RoleAssistant, Content: text, ToolCalls: calls}
		working.Messages = append(working.Messages, assistant)
		intermediate = append(intermediate, assistant)

		results := exec.ExecuteMany(ctx, calls)
		r.Publisher.Publish(events.AgentStep{Step: step, StepKind: events.StepToolResults, Payload: stepResults(results)})
		for _, res := range results {
			msg := models.Message{Role: models.RoleTool, ToolCallID: res.ToolCallID, Content: res.Content}
			working.Messages = append(working.Messages, msg)
			intermediate = append(intermediate, msg)
		}
	}

	events.EmitTokens(r.Publisher, buffered)
	return text, intermediate, ErrMaxStepsExceeded
}

func stepCalls(calls []models.ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		out = append(out, map[string]any{
			"tool_call_id": c.ID,
			"tool_name":    c.Name,
			"arguments":    c.Arguments,
		})
	}
	return out
}

func stepResults(results []models.ToolResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{
			"tool_call_id": r.ToolCallID,
			"success":      r.Success,
		})
	}
	return out
}
