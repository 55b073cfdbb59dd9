// Package planner implements the external planner/summarizer contract on
// top of a chat-completion API. Any failure here is recovered upstream:
// the orchestrator synthesizes a fallback plan or a scripted summary.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fluxorio/conductor/pkg/core"
	"github.com/fluxorio/conductor/pkg/orchestrator"
)

// Client turns queries into plans and partial summaries into one summary.
type Client struct {
	provider Provider
	model    string
	apiKey   string
	baseURL  string
	client   *http.Client
	logger   core.Logger
}

// New creates a planner client. The API key comes from config or the
// provider's environment variable.
func New(cfg Config, logger core.Logger) (*Client, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = ProviderOpenAI
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		envVar := providerEnvVar(provider)
		apiKey = os.Getenv(envVar)
		if apiKey == "" {
			return nil, fmt.Errorf("planner requires 'apiKey' config or %s env var", envVar)
		}
	}

	baseURL := providerBaseURL(provider)
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("planner provider %s requires 'baseUrl' config", provider)
	}

	timeout := 60 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			timeout = d
		}
	}

	model := cfg.Model
	if model == "" {
		model = providerDefaultModel(provider)
	}

	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	return &Client{
		provider: provider,
		model:    model,
		apiKey:   apiKey,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

// CreatePlan asks the model for a step plan over the online roster. Any
// transport or parse failure propagates so the orchestrator's fallback
// engages.
func (c *Client) CreatePlan(ctx context.Context, query string, roster []orchestrator.AgentDescriptor) (*orchestrator.Plan, error) {
	if len(roster) == 0 {
		return nil, fmt.Errorf("empty roster")
	}

	content, err := c.chat(ctx, planPrompt(query, roster))
	if err != nil {
		return nil, err
	}

	raw, err := extractJSON(content)
	if err != nil {
		return nil, fmt.Errorf("planner response has no JSON plan: %w", err)
	}

	var doc planDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return docToPlan(&doc)
}

// Summarize folds the per-step summaries into one combined summary.
func (c *Client) Summarize(ctx context.Context, query string, summaries []string) (string, error) {
	content, err := c.chat(ctx, summaryPrompt(query, summaries))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (c *Client) chat(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(&ChatRequest{
		Model:       c.model,
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.2,
		MaxTokens:   1500,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.client.Timeout)
	defer cancel()

	url := c.baseURL + providerEndpoint(c.provider)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setProviderHeaders(httpReq, c.provider, c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("planner request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("planner API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var parsed ChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

func planPrompt(query string, roster []orchestrator.AgentDescriptor) string {
	var b strings.Builder
	b.WriteString("You coordinate specialized data agents. Available agents:\n")
	for _, d := range roster {
		fmt.Fprintf(&b, "- id=%s domain=%s keywords=%s\n", d.ID, d.Domain, strings.Join(d.Keywords, ","))
	}
	b.WriteString("\nBuild an execution plan for this query:\n")
	b.WriteString(query)
	b.WriteString(`

Reply with a single JSON object, no prose:
{"involvedAgents":["id"],"steps":[{"id":"s1","agent":"id","task":"...","dependsOn":[],"timeoutSeconds":30}],"parallel":false}
Only use agent ids from the list above. Steps that need another step's output must list it in dependsOn.`)
	return b.String()
}

func summaryPrompt(query string, summaries []string) string {
	var b strings.Builder
	b.WriteString("Combine the following partial answers into one concise summary.\n\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\nPartial answers:\n")
	for i, s := range summaries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}

func docToPlan(doc *planDoc) (*orchestrator.Plan, error) {
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	plan := &orchestrator.Plan{
		ID:             core.NewID(),
		InvolvedAgents: doc.InvolvedAgents,
		Parallel:       doc.Parallel,
		EstimatedTime:  time.Duration(doc.EstimatedSecs * float64(time.Second)),
	}
	involved := make(map[string]bool, len(doc.InvolvedAgents))
	for _, id := range doc.InvolvedAgents {
		involved[id] = true
	}
	for i, s := range doc.Steps {
		if s.Agent == "" {
			return nil, fmt.Errorf("step %d has no agent", i)
		}
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("s%d", i+1)
		}
		if !involved[s.Agent] {
			plan.InvolvedAgents = append(plan.InvolvedAgents, s.Agent)
			involved[s.Agent] = true
		}
		plan.Steps = append(plan.Steps, orchestrator.Step{
			ID:             id,
			AgentID:        s.Agent,
			Task:           s.Task,
			Params:         s.Params,
			DependsOn:      s.DependsOn,
			ExpectedOutput: s.ExpectedOutput,
			Timeout:        time.Duration(s.TimeoutSecs * float64(time.Second)),
		})
	}
	if len(plan.InvolvedAgents) == 0 {
		return nil, fmt.Errorf("plan involves no agents")
	}
	return plan, nil
}

// extractJSON returns the first balanced JSON object in s. Models often
// wrap the plan in prose or code fences.
func extractJSON(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no object start")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced object")
}

func providerBaseURL(p Provider) string {
	switch p {
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderAnthropic:
		return "https://api.anthropic.com/v1"
	default:
		return ""
	}
}

func providerEndpoint(p Provider) string {
	switch p {
	case ProviderAnthropic:
		return "/messages"
	default:
		return "/chat/completions"
	}
}

func providerDefaultModel(p Provider) string {
	switch p {
	case ProviderAnthropic:
		return "claude-3-sonnet-20240229"
	default:
		return "gpt-4o-mini"
	}
}

func providerEnvVar(p Provider) string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	default:
		return "PLANNER_API_KEY"
	}
}

func setProviderHeaders(req *http.Request, p Provider, apiKey string) {
	switch p {
	case ProviderAnthropic:
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	default:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
