// Package risk evaluates proposed agent actions before they execute.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
	"github.com/meshmon/meshmon/internal/models"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	defaultTimeout      = 30 * time.Second
	maxTokens           = 1024
)

const systemPrompt = `You are a risk assessor for an autonomous monitoring mesh.
Agents propose remediation actions and you decide whether each action is safe to execute.
Reply with exactly two lines:
DECISION: APPROVE or REJECT
REASON: one sentence explaining the decision
Reject anything destructive, irreversible, or outside the agent's stated scope.`

// Request bundles everything the assessor sees about a proposed action.
type Request struct {
	Agent            *models.Agent
	IssueType        string
	IssueDescription string
	ProposedAction   string
	Context          map[string]interface{}
	RecentReports    []*models.Report
}

// Assessor produces a free-form risk assessment for a proposed action.
// The caller is responsible for extracting a verdict from the text.
type Assessor interface {
	Assess(ctx context.Context, req Request) (string, error)
	Name() string
}

// UnavailableAssessor always errors. Used when no credentials are
// configured so adjudication falls through to its fail-closed path.
type UnavailableAssessor struct{}

func (UnavailableAssessor) Name() string { return "unavailable" }

func (UnavailableAssessor) Assess(context.Context, Request) (string, error) {
	return "", internalerrors.External("risk.Assess", fmt.Errorf("no risk assessor configured"))
}

// AnthropicAssessor calls the Anthropic messages API.
type AnthropicAssessor struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewAnthropicAssessor creates an assessor against the public API.
// timeout is optional, pass 0 for the 30 second default.
func NewAnthropicAssessor(apiKey, model string, timeout time.Duration) *AnthropicAssessor {
	return NewAnthropicAssessorWithBaseURL(apiKey, model, anthropicAPIURL, timeout)
}

// NewAnthropicAssessorWithBaseURL allows routing through a proxy or a
// test server.
func NewAnthropicAssessorWithBaseURL(apiKey, model, baseURL string, timeout time.Duration) *AnthropicAssessor {
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &AnthropicAssessor{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *AnthropicAssessor) Name() string {
	return "anthropic"
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Assess sends the action bundle to the model and returns the raw text.
func (a *AnthropicAssessor) Assess(ctx context.Context, req Request) (string, error) {
	const op = "risk.Assess"

	body, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		Messages:  []anthropicMessage{{Role: "user", Content: buildPrompt(req)}},
		MaxTokens: maxTokens,
		System:    systemPrompt,
	})
	if err != nil {
		return "", internalerrors.Internal(op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", internalerrors.Internal(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", internalerrors.External(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", internalerrors.External(op, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr anthropicError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", internalerrors.External(op, fmt.Errorf("anthropic API error (%s): %s", apiErr.Error.Type, apiErr.Error.Message))
		}
		return "", internalerrors.External(op, fmt.Errorf("anthropic API returned status %d", resp.StatusCode))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", internalerrors.External(op, fmt.Errorf("decoding response: %w", err))
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", internalerrors.External(op, fmt.Errorf("empty response from model %s", parsed.Model))
	}

	log.Debug().
		Str("model", parsed.Model).
		Str("stopReason", parsed.StopReason).
		Msg("Risk assessment completed")

	return text.String(), nil
}

// buildPrompt renders the action and its surrounding context into the
// user message.
func buildPrompt(req Request) string {
	var b strings.Builder

	agentID := ""
	agentName := ""
	if req.Agent != nil {
		agentID = req.Agent.ID
		agentName = req.Agent.Name
	}
	fmt.Fprintf(&b, "Agent %q", agentID)
	if agentName != "" {
		fmt.Fprintf(&b, " (%s)", agentName)
	}
	fmt.Fprintf(&b, " requests permission to execute an action.\n\n")
	fmt.Fprintf(&b, "Issue type: %s\n", req.IssueType)
	if req.IssueDescription != "" {
		fmt.Fprintf(&b, "Issue: %s\n", req.IssueDescription)
	}
	action := req.ProposedAction
	if action == "" {
		action = "(none proposed, the agent escalated without a remediation plan)"
	}
	fmt.Fprintf(&b, "Proposed action: %s\n", action)

	if len(req.Context) > 0 {
		if ctx, err := json.MarshalIndent(req.Context, "", "  "); err == nil {
			fmt.Fprintf(&b, "\nCaller context:\n%s\n", ctx)
		}
	}

	if len(req.RecentReports) > 0 {
		b.WriteString("\nRecent health reports, newest first:\n")
		for _, r := range req.RecentReports {
			fmt.Fprintf(&b, "- %s status=%s issues=%d\n", r.Timestamp.Format(time.RFC3339), r.Status, len(r.Issues))
		}
	}

	b.WriteString("\nAssess the risk and respond in the required format.")
	return b.String()
}
