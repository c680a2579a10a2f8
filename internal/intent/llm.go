package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/paradixe-xz/evaInstance-sub000/internal/llm"
)

const classifierPrompt = `You classify a single reply from a person who received an outbound sales text
asking whether they would accept a short phone call.
Answer with JSON only: {"intent": "<label>"} where label is one of
"affirmative" (agrees to the call or shows interest),
"negative" (declines or objects but could be persuaded),
"hard_rejection" (asks not to be contacted again, reports a wrong number or is hostile),
"ambiguous" (anything else, including questions).`

// LLMClassifier asks the reasoning service for a label.
type LLMClassifier struct {
	client llm.Client
	model  string
}

func NewLLMClassifier(client llm.Client, model string) *LLMClassifier {
	if client == nil {
		panic("intent: llm client required")
	}
	return &LLMClassifier{client: client, model: model}
}

func (c *LLMClassifier) Classify(ctx context.Context, text string) (Intent, error) {
	resp, err := c.client.Complete(ctx, llm.Request{
		Model:       c.model,
		System:      []string{classifierPrompt},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: text}},
		MaxTokens:   32,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("intent: classify: %w", err)
	}
	return parseLabel(resp.Text)
}

func parseLabel(raw string) (Intent, error) {
	body := llm.ExtractJSONObject(raw)
	if strings.TrimSpace(body) == "" {
		return "", errors.New("intent: empty classifier response")
	}
	var decoded struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		if i, ok := Parse(body); ok {
			return i, nil
		}
		return "", fmt.Errorf("intent: parse classifier response: %w", err)
	}
	i, ok := Parse(decoded.Intent)
	if !ok {
		return "", fmt.Errorf("intent: unknown label %q", decoded.Intent)
	}
	return i, nil
}
