package planner

// Provider identifies the chat-completion backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderCustom    Provider = "custom"
)

// Config configures the planner client.
type Config struct {
	Provider Provider `yaml:"provider" json:"provider"`
	Model    string   `yaml:"model" json:"model"`
	APIKey   string   `yaml:"apiKey" json:"apiKey"`
	BaseURL  string   `yaml:"baseUrl" json:"baseUrl"`
	Timeout  string   `yaml:"timeout" json:"timeout"` // duration string, default 60s
}

// ChatMessage is one turn of a chat-completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a chat-completion request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// ChatResponse is a chat-completion response body.
type ChatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// planDoc is the JSON plan shape the model is asked to produce.
type planDoc struct {
	InvolvedAgents []string  `json:"involvedAgents"`
	Steps          []stepDoc `json:"steps"`
	Parallel       bool      `json:"parallel"`
	EstimatedSecs  float64   `json:"estimatedSeconds"`
}

type stepDoc struct {
	ID             string                 `json:"id"`
	Agent          string                 `json:"agent"`
	Task           string                 `json:"task"`
	Params         map[string]interface{} `json:"params"`
	DependsOn      []string               `json:"dependsOn"`
	ExpectedOutput string                 `json:"expectedOutput"`
	TimeoutSecs    float64                `json:"timeoutSeconds"`
}
