package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atlascore/atlas/internal/events"
	"github.com/atlascore/atlas/internal/mcp"
	"github.com/atlascore/atlas/pkg/models"
)

// DefaultCallTimeout bounds a single tool invocation.
const DefaultCallTimeout = 120 * time.Second

// DefaultMaxConcurrentTools bounds parallel execution in ExecuteMany.
const DefaultMaxConcurrentTools = 8

// ExecutorMetrics is the subset of the observability surface the
// executor reports to.
type ExecutorMetrics interface {
	RecordToolExecution(tool, status string, durationSeconds float64)
}

// Executor runs tool calls against the server fleet. It is built per
// request: the publisher and broker belong to one conversation turn.
// Every call produces exactly one ToolResult; infrastructure failures,
// rejections, and panics all land in the result, never in an error.
type Executor struct {
	client    mcp.Client
	directory *mcp.Directory
	publisher *events.Publisher
	broker    *Broker
	elicit    *Elicitations
	timeout   time.Duration
	limit     int
	agentMode bool
	logger    *slog.Logger
	metrics   ExecutorMetrics
}

// ExecutorOptions configures a per-request Executor. Zero values fall
// back to the defaults above.
type ExecutorOptions struct {
	Timeout            time.Duration
	MaxConcurrentTools int
	AgentMode          bool
	Elicitations       *Elicitations
	Logger             *slog.Logger
	Metrics            ExecutorMetrics
}

func NewExecutor(client mcp.Client, directory *mcp.Directory, publisher *events.Publisher, broker *Broker, opts ExecutorOptions) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCallTimeout
	}
	if opts.MaxConcurrentTools <= 0 {
		opts.MaxConcurrentTools = DefaultMaxConcurrentTools
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		client:    client,
		directory: directory,
		publisher: publisher,
		broker:    broker,
		elicit:    opts.Elicitations,
		timeout:   opts.Timeout,
		limit:     opts.MaxConcurrentTools,
		agentMode: opts.AgentMode,
		logger:    opts.Logger.With("component", "executor"),
		metrics:   opts.Metrics,
	}
}

// ExecuteMany runs the calls concurrently, bounded by the concurrency
// limit, and returns one result per call in input order.
func (e *Executor) ExecuteMany(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, e.limit)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = e.ExecuteOne(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// ExecuteOne runs a single tool call end to end: name resolution,
// argument validation, approval, invocation. It always returns a
// result addressed to the call id.
func (e *Executor) ExecuteOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	start := time.Now()
	result := e.execute(ctx, call)
	status := "success"
	if !result.Success {
		status = "failure"
	}
	if e.metrics != nil {
		e.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	}
	return result
}

func (e *Executor) execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	qualified, ok := e.directory.Resolve(call.Name)
	if !ok {
		return e.failure(call, fmt.Sprintf("unknown tool %q", call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	if err := validateArguments(qualified.Descriptor.InputSchema, args); err != nil {
		return e.failure(call, fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
	}

	if mcp.DeclaresFleetData(qualified.Descriptor.InputSchema) {
		args[mcp.FleetDataField] = e.directory.Manifest()
	}

	if qualified.Descriptor.RequiresApproval {
		verdict, edited, ok := e.awaitApproval(ctx, call, qualified)
		if !ok {
			return verdict
		}
		if edited != nil {
			args = edited
		}
	}

	e.publisher.Publish(events.ToolStart{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ServerName: qualified.Server,
		Arguments:  args,
		AgentMode:  e.agentMode,
	})

	// Registered for the duration of the invocation so a server-side
	// elicitation can find its way back to this call's subscriber.
	if e.elicit != nil {
		untrack := e.elicit.Track(ctx, qualified.Server, call.ID, e.publisher)
		defer untrack()
	}

	content, err := e.callTool(ctx, qualified, args)
	if err != nil {
		e.logger.Warn("tool call failed",
			"tool", call.Name,
			"server", qualified.Server,
			"error", err)
		e.publisher.Publish(events.ToolError{
			ToolCallID: call.ID,
			Error:      err.Error(),
		})
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %s failed: %v", call.Name, err),
			Success:    false,
			Error:      err.Error(),
		}
	}

	result := models.ToolResult{
		ToolCallID: call.ID,
		Content:    content,
		Success:    true,
	}
	e.publisher.Publish(events.ToolComplete{
		ToolCallID: call.ID,
		Success:    true,
		Result:     content,
	})
	return result
}

// awaitApproval publishes the approval request and blocks on the
// broker. The third return is true when the call may proceed; edited
// carries replacement arguments when the user supplied them.
func (e *Executor) awaitApproval(ctx context.Context, call models.ToolCall, qualified mcp.QualifiedTool) (models.ToolResult, map[string]any, bool) {
	e.broker.Open(call.ID)
	e.publisher.Publish(events.ToolApprovalRequest{
		ToolCallID:    call.ID,
		ToolName:      call.Name,
		Arguments:     call.Arguments,
		EditAllowed:   qualified.Descriptor.EditAllowed,
		AdminRequired: qualified.Descriptor.AdminRequired,
	})

	resp := e.broker.Await(ctx, call.ID)
	switch resp.Action {
	case ApprovalApprove:
		return models.ToolResult{}, resp.Arguments, true
	case ApprovalReject:
		reason := resp.Reason
		if reason == "" {
			reason = "user rejected the tool call"
		}
		return e.failure(call, reason), nil, false
	default:
		return e.failure(call, "tool call cancelled"), nil, false
	}
}

// callTool invokes the server with the call timeout applied and panics
// contained. The invocation runs in its own goroutine so a hung server
// cannot outlive the timeout.
func (e *Executor) callTool(ctx context.Context, qualified mcp.QualifiedTool, args map[string]any) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		content, err := e.client.CallTool(cctx, qualified.Server, qualified.Tool, args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		return out.content, out.err
	case <-cctx.Done():
		if cctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("tool timed out after %s", e.timeout)
		}
		return "", cctx.Err()
	}
}

func (e *Executor) failure(call models.ToolCall, msg string) models.ToolResult {
	e.publisher.Publish(events.ToolComplete{
		ToolCallID: call.ID,
		Success:    false,
		Result:     msg,
	})
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    msg,
		Success:    false,
		Error:      msg,
	}
}

// validateArguments checks args against the tool's JSON schema. An
// empty or unparseable schema validates everything; a schema the
// arguments do not satisfy fails the call before it reaches the
// server.
func validateArguments(schema []byte, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := jsonschema.CompileString("tool.json", string(schema))
	if err != nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not serialisable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return compiled.Validate(doc)
}
