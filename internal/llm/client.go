package llm

import "context"

// Default model endpoints; all three speak the same prompt and JSON
// contract, differing only in transport.
const (
	DeepSeekBaseURL = "https://api.deepseek.com/v1"
	GrokBaseURL     = "https://api.x.ai/v1"

	DeepSeekModel = "deepseek-chat"
	GrokModel     = "grok-3-mini"
	GeminiModel   = "gemini-2.0-flash"

	// temperature and maxOutputTokens are shared by every model so the
	// three answers stay comparable.
	temperature     = 0.3
	maxOutputTokens = 2000
)

// Client is one forecasting model. Complete returns the raw response
// text; parsing happens in the runner so raw output is preserved even
// when it does not parse.
type Client interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}
