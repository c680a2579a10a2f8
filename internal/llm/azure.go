package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
)

type azureChatAPI interface {
	GetChatCompletions(ctx context.Context, body azopenai.ChatCompletionsOptions, options *azopenai.GetChatCompletionsOptions) (azopenai.GetChatCompletionsResponse, error)
}

// AzureOpenAIClient calls a chat deployment on Azure OpenAI.
type AzureOpenAIClient struct {
	api        azureChatAPI
	deployment string
}

var _ Client = (*AzureOpenAIClient)(nil)

// NewAzureOpenAIClient authenticates with an API key.
func NewAzureOpenAIClient(endpoint, apiKey, deployment string) (*AzureOpenAIClient, error) {
	if strings.TrimSpace(endpoint) == "" || strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: azure openai endpoint and api key are required")
	}
	client, err := azopenai.NewClientWithKeyCredential(endpoint, azcore.NewKeyCredential(apiKey), nil)
	if err != nil {
		return nil, fmt.Errorf("llm: create azure openai client: %w", err)
	}
	return newAzureOpenAIClient(client, deployment), nil
}

func newAzureOpenAIClient(api azureChatAPI, deployment string) *AzureOpenAIClient {
	if api == nil {
		panic("llm: azure chat client cannot be nil")
	}
	return &AzureOpenAIClient{api: api, deployment: strings.TrimSpace(deployment)}
}

func (c *AzureOpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	deployment := c.deployment
	if strings.TrimSpace(req.Model) != "" {
		deployment = req.Model
	}
	if deployment == "" {
		return Response{}, errors.New("llm: azure deployment name is required")
	}

	prompt, err := flattenPrompt(req)
	if err != nil {
		return Response{}, err
	}
	messages := []azopenai.ChatRequestMessageClassification{
		&azopenai.ChatRequestUserMessage{
			Content: azopenai.NewChatRequestUserMessageContent(prompt),
		},
	}

	opts := azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(deployment),
		Messages:       messages,
	}
	if req.MaxTokens > 0 {
		opts.MaxTokens = to.Ptr(req.MaxTokens)
	}
	if req.Temperature >= 0 {
		opts.Temperature = to.Ptr(req.Temperature)
	}
	if req.TopP > 0 {
		opts.TopP = to.Ptr(req.TopP)
	}

	resp, err := c.api.GetChatCompletions(ctx, opts, nil)
	if err != nil {
		return Response{}, fmt.Errorf("llm: azure chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
		return Response{}, errors.New("llm: azure returned no content")
	}
	out := Response{Text: strings.TrimSpace(*resp.Choices[0].Message.Content)}
	return out, nil
}

// flattenPrompt renders the system blocks and the chat history into a single
// user prompt for deployments addressed with plain text.
func flattenPrompt(req Request) (string, error) {
	var b strings.Builder
	for _, block := range req.System {
		if strings.TrimSpace(block) == "" {
			continue
		}
		b.WriteString(strings.TrimSpace(block))
		b.WriteString("\n\n")
	}
	for _, msg := range req.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch msg.Role {
		case RoleSystem:
			b.WriteString(content)
		case RoleUser:
			b.WriteString("User: " + content)
		case RoleAssistant:
			b.WriteString("Assistant: " + content)
		default:
			return "", fmt.Errorf("llm: unsupported role %q", msg.Role)
		}
		b.WriteString("\n")
	}
	prompt := strings.TrimSpace(b.String())
	if prompt == "" {
		return "", errors.New("llm: empty prompt")
	}
	return prompt, nil
}
