package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/atlascore/atlas/pkg/models"
)

// HTTPProvider talks to a retrieval API over HTTP: GET /v2/sources for
// discovery and POST /query per source. The shared http.Client is safe
// for the fan-out's concurrent calls.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a provider for one retrieval backend. A nil
// httpClient falls back to http.DefaultClient; per-call timeouts come
// from the fan-out's context.
func NewHTTPProvider(name, baseURL, apiKey string, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpClient,
	}
}

func (p *HTTPProvider) Name() string { return p.name }

// v2 discovery payload. Older backends answer with a bare list of ids;
// both shapes map onto SourceDescriptor.
type discoveryPayload struct {
	Sources []struct {
		ID              string `json:"id"`
		Label           string `json:"label"`
		Description     string `json:"description"`
		ComplianceLevel string `json:"compliance_level"`
	} `json:"sources"`
}

func (p *HTTPProvider) Discover(ctx context.Context, userEmail string) ([]SourceDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v2/sources", nil)
	if err != nil {
		return nil, err
	}
	p.decorate(req, userEmail)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var payload discoveryPayload
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Sources) > 0 {
		out := make([]SourceDescriptor, 0, len(payload.Sources))
		for _, s := range payload.Sources {
			out = append(out, SourceDescriptor{
				ID:              s.ID,
				Label:           s.Label,
				Description:     s.Description,
				ComplianceLevel: s.ComplianceLevel,
			})
		}
		return out, nil
	}

	// Legacy shape: a plain array of source ids.
	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, fmt.Errorf("unrecognised discovery payload: %w", err)
	}
	out := make([]SourceDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, SourceDescriptor{ID: id, Label: id})
	}
	return out, nil
}

type queryRequest struct {
	Source   string           `json:"source"`
	User     string           `json:"user,omitempty"`
	Messages []models.Message `json:"messages"`
}

type queryResponse struct {
	Object   string         `json:"object"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Choices  []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *HTTPProvider) Query(ctx context.Context, userEmail, sourceID string, msgs []models.Message) (*Response, error) {
	payload, err := json.Marshal(queryRequest{Source: sourceID, User: userEmail, Messages: msgs})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	p.decorate(req, userEmail)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source %q returned status %d", sourceID, resp.StatusCode)
	}

	var parsed queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("source %q returned invalid payload: %w", sourceID, err)
	}

	// A chat.completion object is a fully formed assistant answer and
	// bypasses the model when it is the only contribution.
	isCompletion := parsed.Object == "chat.completion"
	content := parsed.Content
	if isCompletion && content == "" && len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Message.Content
	}

	return &Response{
		SourceID:     sourceID,
		Content:      content,
		IsCompletion: isCompletion,
		Metadata:     parsed.Metadata,
	}, nil
}

func (p *HTTPProvider) decorate(req *http.Request, userEmail string) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if userEmail != "" {
		req.Header.Set("X-User-Email", userEmail)
	}
}
