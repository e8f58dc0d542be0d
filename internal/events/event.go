// Package events carries the per-request observable effects: a typed
// event model, the single-subscriber publisher the transport shell
// consumes, and the streaming accumulator that turns LLM token streams
// into token events plus an accumulated string.
package events

// Kind enumerates the event types delivered to the subscriber.
type Kind string

const (
	KindTokenStream         Kind = "token_stream"
	KindToolApprovalRequest Kind = "tool_approval_request"
	KindToolStart           Kind = "tool_start"
	KindToolComplete        Kind = "tool_complete"
	KindToolError           Kind = "tool_error"
	KindAgentStep           Kind = "agent_step"
	KindElicitationRequest  Kind = "elicitation_request"
	KindConversationSaved   Kind = "conversation_saved"
	KindSecurityWarning     Kind = "security_warning"
	KindChatResponse        Kind = "chat_response"
	KindError               Kind = "error"
)

// Terminal reports whether an event of this kind ends the request.
// Publishing a terminal event closes the publisher.
func (k Kind) Terminal() bool {
	return k == KindChatResponse || k == KindError
}

// Event is the closed set of payloads the publisher accepts. Each
// concrete type reports its own kind.
type Event interface {
	Kind() Kind
}

// TokenStream is one streamed token. IsFirst is set on the first
// non-empty token of a response; the stream ends with a single empty
// token carrying IsLast.
type TokenStream struct {
	Token   string `json:"token"`
	IsFirst bool   `json:"is_first,omitempty"`
	IsLast  bool   `json:"is_last,omitempty"`
}

func (TokenStream) Kind() Kind { return KindTokenStream }

// ToolApprovalRequest asks the subscriber to approve a pending tool
// call. The matching response arrives through the approval broker.
type ToolApprovalRequest struct {
	ToolCallID    string         `json:"tool_call_id"`
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	EditAllowed   bool           `json:"edit_allowed"`
	AdminRequired bool           `json:"admin_required"`
}

func (ToolApprovalRequest) Kind() Kind { return KindToolApprovalRequest }

// ToolStart announces that a tool call is about to run.
type ToolStart struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	ServerName string         `json:"server_name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	AgentMode  bool           `json:"agent_mode,omitempty"`
}

func (ToolStart) Kind() Kind { return KindToolStart }

// ToolComplete reports the outcome of a finished tool call.
type ToolComplete struct {
	ToolCallID string `json:"tool_call_id"`
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
}

func (ToolComplete) Kind() Kind { return KindToolComplete }

// ToolError reports a tool call that failed before or during execution.
type ToolError struct {
	ToolCallID string `json:"tool_call_id"`
	Error      string `json:"error"`
}

func (ToolError) Kind() Kind { return KindToolError }

// AgentStep marks progress of the agentic loop: a proposed set of tool
// calls, their results, the final answer, or a step-level error.
type AgentStep struct {
	Step     int    `json:"step"`
	StepKind string `json:"kind"`
	Payload  any    `json:"payload,omitempty"`
}

func (AgentStep) Kind() Kind { return KindAgentStep }

// Agent step kinds.
const (
	StepToolCalls   = "tool_calls"
	StepToolResults = "tool_results"
	StepFinal       = "final_answer"
	StepError       = "error"
)

// ElicitationRequest asks the subscriber for input on behalf of a
// running tool call. The answer comes back through the broker under
// the call's elicitation key.
type ElicitationRequest struct {
	ToolCallID string `json:"tool_call_id"`
	ServerName string `json:"server_name"`
	Message    string `json:"message,omitempty"`
	Schema     any    `json:"requested_schema,omitempty"`
}

func (ElicitationRequest) Kind() Kind { return KindElicitationRequest }

// ConversationSaved reports that the save coordinator finished. In
// local save mode the id is empty and the client persists on its own.
type ConversationSaved struct {
	ConversationID string `json:"conversation_id"`
}

func (ConversationSaved) Kind() Kind { return KindConversationSaved }

// SecurityWarning reports a content-policy verdict of warn or block.
type SecurityWarning struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (SecurityWarning) Kind() Kind { return KindSecurityWarning }

// Security warning statuses.
const (
	SecurityStatusWarning = "warning"
	SecurityStatusBlocked = "blocked"
)

// ChatResponse is the terminal success event carrying the full
// assistant text.
type ChatResponse struct {
	Content string `json:"content"`
}

func (ChatResponse) Kind() Kind { return KindChatResponse }

// Error is the terminal failure event. Messages are opaque; they never
// carry credentials or raw tool arguments.
type Error struct {
	Message string `json:"message"`
}

func (Error) Kind() Kind { return KindError }
