package collab

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConversation is the default ConversationLogic, backed by any
// OpenAI-compatible chat completion API.
type OpenAIConversation struct {
	client *openai.Client
	model  string
	prompt string
}

func NewOpenAIConversation(apiKey, baseURL, model, systemPrompt string) *OpenAIConversation {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIConversation{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		prompt: systemPrompt,
	}
}

func (c *OpenAIConversation) ProcessTurn(ctx context.Context, turn Turn) (Response, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turn.History)+2)
	if c.prompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.prompt,
		})
	}
	for _, entry := range turn.History {
		role := openai.ChatMessageRoleUser
		if entry.Role == "assistant" || entry.Role == "bot" {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: entry.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: turn.UserText,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	})
	if err != nil {
		return Response{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("no choices in response")
	}

	text := resp.Choices[0].Message.Content
	return Response{
		Text:    text,
		Handoff: strings.Contains(strings.ToLower(text), "[handoff]"),
	}, nil
}
