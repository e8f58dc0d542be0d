// Package orchestrator ties one inbound chat request to a streamed
// response: session checkout, content gating, mode routing, tool
// execution, saving, and the terminal event.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/atlascore/atlas/internal/agent"
	"github.com/atlascore/atlas/internal/config"
	"github.com/atlascore/atlas/internal/conversations"
	"github.com/atlascore/atlas/internal/events"
	"github.com/atlascore/atlas/internal/llm"
	"github.com/atlascore/atlas/internal/mcp"
	"github.com/atlascore/atlas/internal/retrieval"
	"github.com/atlascore/atlas/internal/security"
	"github.com/atlascore/atlas/internal/sessions"
	"github.com/atlascore/atlas/pkg/models"
)

// Request is one user turn as decoded by the transport.
type Request struct {
	SessionID string
	Content   string
	Provider  string
	Model     string
	UserEmail string

	// Selections persist on the session until changed or reset.
	Tools    []string
	Sources  []string
	Files    map[string]models.FileRef
	PromptID string
	SaveMode models.SaveMode

	Options Options
}

// Options tune one turn without persisting on the session.
type Options struct {
	ToolChoiceRequired bool
	ForceRetrieval     bool
	AgentMode          bool
	MaxSteps           int
	Temperature        float32
}

// Metrics is the orchestrator's observability surface.
type Metrics interface {
	RecordRequest(mode, outcome string, durationSeconds float64)
	agent.ExecutorMetrics
}

// Orchestrator owns the long-lived collaborators; everything
// per-request (publisher, executor, broker tickets) is threaded
// through Execute.
type Orchestrator struct {
	store     *sessions.Store
	gate      *security.Gate
	providers *llm.Registry
	fanout    *retrieval.Fanout
	mcpClient mcp.Client
	broker    *agent.Broker
	elicit    *agent.Elicitations
	saver     *conversations.Saver
	cfg       atomic.Pointer[config.Config]
	logger    *slog.Logger
	metrics   Metrics
}

type Deps struct {
	Store     *sessions.Store
	Gate      *security.Gate
	Providers *llm.Registry
	Fanout    *retrieval.Fanout
	MCPClient mcp.Client
	Broker    *agent.Broker
	Saver     *conversations.Saver
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   Metrics
}

func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	o := &Orchestrator{
		store:     deps.Store,
		gate:      deps.Gate,
		providers: deps.Providers,
		fanout:    deps.Fanout,
		mcpClient: deps.MCPClient,
		broker:    deps.Broker,
		elicit:    agent.NewElicitations(deps.Broker),
		saver:     deps.Saver,
		logger:    logger.With("component", "orchestrator"),
		metrics:   deps.Metrics,
	}
	o.cfg.Store(cfg)
	return o
}

// UpdateConfig swaps the configuration in for subsequent requests.
// In-flight turns keep the snapshot they started with per read site.
func (o *Orchestrator) UpdateConfig(cfg *config.Config) {
	if cfg != nil {
		o.cfg.Store(cfg)
	}
}

func (o *Orchestrator) config() *config.Config { return o.cfg.Load() }

// Broker exposes the approval broker so the transport can resolve
// approval and elicitation responses.
func (o *Orchestrator) Broker() *agent.Broker { return o.broker }

// HandleElicitation answers a server-initiated input request by
// routing it to the connection whose tool call is in flight. Wired as
// the fleet's elicitation handler at startup.
func (o *Orchestrator) HandleElicitation(ctx context.Context, el mcp.Elicitation) (mcp.ElicitationResult, error) {
	return o.elicit.Handle(ctx, el)
}

// ResetSession clears a session's history and selections.
func (o *Orchestrator) ResetSession(ctx context.Context, sessionID string) error {
	return o.store.Reset(ctx, sessionID)
}

// Execute runs one turn to completion. Exactly one terminal event is
// published: chat_response on success, error otherwise. The publisher
// is closed by the terminal publish.
func (o *Orchestrator) Execute(ctx context.Context, req *Request, pub *events.Publisher) {
	start := time.Now()
	mode := "plain"
	outcome := "success"
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordRequest(mode, outcome, time.Since(start).Seconds())
		}
	}()

	handle, err := o.store.Checkout(ctx, req.SessionID)
	if err != nil {
		outcome = "error"
		pub.Publish(events.Error{Message: "session unavailable"})
		return
	}
	defer handle.Close()

	session := handle.Session()
	o.applySelections(session, req)

	// Pre-hoc gate. A block wipes the whole session history, not just
	// this turn.
	if v := o.gate.CheckInput(ctx, req.Content); v.Decision == security.DecisionBlock {
		outcome = "blocked"
		handle.ClearHistory()
		pub.Publish(events.SecurityWarning{Status: events.SecurityStatusBlocked, Message: v.Reason})
		pub.Publish(events.Error{Message: "message blocked by content policy"})
		return
	} else if v.Decision == security.DecisionWarn {
		pub.Publish(events.SecurityWarning{Status: events.SecurityStatusWarning, Message: v.Reason})
	}

	handle.Append(models.Message{Role: models.RoleUser, Content: req.Content})
	mark := handle.HistoryLen()

	provider, err := o.providers.Lookup(req.Provider)
	if err != nil {
		outcome = "error"
		handle.TruncateTo(mark)
		pub.Publish(events.Error{Message: err.Error()})
		return
	}

	streamReq := &llm.StreamRequest{
		Model:       o.model(req, provider),
		Messages:    handle.History(),
		System:      o.systemPrompt(ctx, session),
		Temperature: o.temperature(req),
		UserEmail:   req.UserEmail,
	}

	mode = o.route(req, session)
	runner := agent.NewRunner(provider, pub, o.logger)

	text, intermediate, err := o.run(ctx, mode, runner, streamReq, req, session, pub)
	if err != nil {
		outcome = "error"
		handle.TruncateTo(mark)
		o.logger.Error("turn failed",
			"session_id", session.ID,
			"mode", mode,
			"error", err)
		pub.Publish(events.Error{Message: turnErrorMessage(err)})
		return
	}

	// Post-hoc gate on the assembled answer.
	if v := o.gate.CheckOutput(ctx, text); v.Decision == security.DecisionBlock {
		outcome = "blocked"
		handle.TruncateTo(mark)
		handle.ClearHistory()
		pub.Publish(events.SecurityWarning{Status: events.SecurityStatusBlocked, Message: v.Reason})
		pub.Publish(events.Error{Message: "response blocked by content policy"})
		return
	} else if v.Decision == security.DecisionWarn {
		pub.Publish(events.SecurityWarning{Status: events.SecurityStatusWarning, Message: v.Reason})
	}

	for _, msg := range intermediate {
		handle.Append(msg)
	}
	handle.Append(models.Message{Role: models.RoleAssistant, Content: text})

	if o.saver != nil && o.config().Features.ChatHistory() {
		o.saver.Finish(ctx, session, handle.History(), pub)
	}
	pub.Publish(events.ChatResponse{Content: text})
}

// run dispatches to the mode runner.
func (o *Orchestrator) run(ctx context.Context, mode string, runner *agent.Runner, streamReq *llm.StreamRequest, req *Request, session *models.Session, pub *events.Publisher) (string, []models.Message, error) {
	switch mode {
	case "retrieval":
		text, err := runner.RunRetrieval(ctx, streamReq, o.fanout, session.SelectedSources)
		return text, nil, err

	case "tools", "agentic":
		directory, schemas, err := o.toolCatalogue(ctx, session)
		if err != nil {
			return "", nil, err
		}
		streamReq.Tools = schemas
		if req.Options.ToolChoiceRequired {
			streamReq.ToolChoice = llm.ToolChoiceRequired
		}

		exec := agent.NewExecutor(o.mcpClient, directory, pub, o.broker, agent.ExecutorOptions{
			Timeout:            o.config().Timeouts.MCPCall.Std(),
			MaxConcurrentTools: o.config().Agent.MaxConcurrentTools,
			AgentMode:          mode == "agentic",
			Elicitations:       o.elicit,
			Logger:             o.logger,
			Metrics:            o.metrics,
		})

		if mode == "agentic" {
			maxSteps := req.Options.MaxSteps
			if maxSteps <= 0 {
				maxSteps = o.config().Agent.MaxSteps
			}
			return runner.RunAgentic(ctx, streamReq, exec, maxSteps)
		}
		return runner.RunTools(ctx, streamReq, exec, o.config().Agent.ToolRounds)

	default:
		text, err := runner.RunPlain(ctx, streamReq)
		return text, nil, err
	}
}

// route picks the turn mode from the request and the feature flags.
// Disabled features degrade to plain rather than erroring.
func (o *Orchestrator) route(req *Request, session *models.Session) string {
	cfg := o.config()
	features := cfg.Features
	if req.Options.AgentMode && features.Tools() {
		// The configured strategy selects the multi-step driver; any
		// value but agentic downgrades agent mode to the bounded tool
		// cycle.
		if cfg.Agent.Strategy == "agentic" {
			return "agentic"
		}
		return "tools"
	}
	if len(session.SelectedTools) > 0 && features.Tools() {
		return "tools"
	}
	if (len(session.SelectedSources) > 0 || req.Options.ForceRetrieval) && features.Retrieval() {
		return "retrieval"
	}
	return "plain"
}

// applySelections folds the request's sticky fields into the session.
func (o *Orchestrator) applySelections(session *models.Session, req *Request) {
	if req.UserEmail != "" {
		session.OwnerEmail = req.UserEmail
	}
	if req.SaveMode.Valid() {
		session.SaveMode = req.SaveMode
	} else if session.SaveMode == "" {
		session.SaveMode = o.defaultSaveMode()
	}
	if req.Tools != nil {
		session.SelectedTools = req.Tools
	}
	if req.Sources != nil {
		session.SelectedSources = req.Sources
	}
	if req.PromptID != "" {
		session.PromptID = req.PromptID
	}
	if len(req.Files) > 0 {
		if session.Files == nil {
			session.Files = map[string]models.FileRef{}
		}
		for name, ref := range req.Files {
			session.Files[name] = ref
		}
	}
}

// defaultSaveMode reads the configured save mode for requests that do
// not carry one. Anything unrecognised degrades to none.
func (o *Orchestrator) defaultSaveMode() models.SaveMode {
	mode := models.SaveMode(o.config().Save.DefaultMode)
	if mode.Valid() {
		return mode
	}
	return models.SaveModeNone
}

// systemPrompt assembles the per-session system message: the custom
// prompt (when one is selected and resolvable) plus the files
// manifest.
func (o *Orchestrator) systemPrompt(ctx context.Context, session *models.Session) string {
	var parts []string

	if session.PromptID != "" && o.mcpClient != nil {
		pctx, cancel := context.WithTimeout(ctx, o.config().Timeouts.MCPDiscovery.Std())
		body, ok := mcp.PromptBody(pctx, o.mcpClient, session.PromptID)
		cancel()
		if ok {
			parts = append(parts, body)
		} else {
			o.logger.Warn("selected prompt not found, using default",
				"prompt_id", session.PromptID)
		}
	}

	if len(session.Files) > 0 && o.config().Features.FileContentExtraction() {
		parts = append(parts, filesManifest(session.Files))
	}

	return strings.Join(parts, "\n\n")
}

// toolCatalogue snapshots the fleet and narrows it to the session's
// selection. An empty selection in agent mode exposes every tool.
func (o *Orchestrator) toolCatalogue(ctx context.Context, session *models.Session) (*mcp.Directory, []llm.ToolSchema, error) {
	dctx, cancel := context.WithTimeout(ctx, o.config().Timeouts.MCPDiscovery.Std())
	defer cancel()

	directory, err := mcp.Snapshot(dctx, o.mcpClient, o.config().MCP.SystemServers)
	if err != nil {
		return nil, nil, fmt.Errorf("tool discovery failed: %w", err)
	}

	var resolved []mcp.QualifiedTool
	if len(session.SelectedTools) > 0 {
		resolved = directory.ResolveAll(session.SelectedTools)
	} else {
		resolved = directory.All()
	}

	schemas := make([]llm.ToolSchema, 0, len(resolved))
	for _, q := range resolved {
		schemas = append(schemas, llm.ToolSchema{
			Name:        q.Qualified(),
			Description: q.Descriptor.Description,
			Parameters:  q.Descriptor.InputSchema,
		})
	}
	return directory, schemas, nil
}

func (o *Orchestrator) model(req *Request, provider llm.Provider) string {
	if req.Model != "" {
		return req.Model
	}
	if pc, ok := o.config().LLM.Providers[provider.Name()]; ok && pc.DefaultModel != "" {
		return pc.DefaultModel
	}
	return req.Model
}

func (o *Orchestrator) temperature(req *Request) float32 {
	if req.Options.Temperature > 0 {
		return req.Options.Temperature
	}
	return o.config().Agent.Temperature
}

// filesManifest describes the uploaded files so the model knows what
// it can reference. Extracted text is included inline.
func filesManifest(files map[string]models.FileRef) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("The user has attached the following files:")
	for _, name := range names {
		ref := files[name]
		fmt.Fprintf(&b, "\n- %s (%s, %d bytes)", name, ref.ContentType, ref.Size)
		if ref.Extracted != "" {
			fmt.Fprintf(&b, "\n  Content:\n%s", ref.Extracted)
		}
	}
	return b.String()
}

// turnErrorMessage keeps upstream detail out of the client-facing
// error event.
func turnErrorMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, agent.ErrMaxStepsExceeded):
		return "agent exceeded maximum steps"
	default:
		return "the model request failed"
	}
}
