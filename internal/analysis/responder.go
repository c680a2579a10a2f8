package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/llm"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
)

const responderPrompt = `You are %s, a friendly phone agent calling %s on behalf of %s.
You are in a live voice call. Reply in the contact's language with one or two short spoken sentences.
Answer questions honestly, address objections once, and offer to have a human advisor follow up.
If the contact asks to end the call or not to be contacted, thank them and say goodbye.
Never invent prices, dates or commitments.`

// Responder drafts the agent's next spoken line during a call.
type Responder struct {
	client   llm.Client
	model    string
	agent    string
	campaign string
	timeout  time.Duration
}

func NewResponder(client llm.Client, model, agentName, campaign string, timeout time.Duration) *Responder {
	if client == nil {
		panic("analysis: reasoning client required")
	}
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	if agentName == "" {
		agentName = "Eva"
	}
	return &Responder{client: client, model: model, agent: agentName, campaign: campaign, timeout: timeout}
}

// Respond returns the next agent line given the running transcript.
func (r *Responder) Respond(ctx context.Context, contact *contacts.Contact, tr transcript.Transcript) (string, error) {
	messages := make([]llm.Message, 0, len(tr.Turns)+1)
	for _, turn := range tr.Turns {
		role := llm.RoleUser
		if turn.Role == transcript.RoleAgent {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Text})
	}
	if len(messages) == 0 || messages[0].Role != llm.RoleUser {
		// conversational APIs expect the user to speak first
		messages = append([]llm.Message{{Role: llm.RoleUser, Content: "(call connected)"}}, messages...)
	}
	if messages[len(messages)-1].Role != llm.RoleUser {
		return "", errors.New("analysis: nothing to respond to")
	}

	name := "the contact"
	if contact != nil && strings.TrimSpace(contact.Name) != "" {
		name = contact.Name
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.client.Complete(callCtx, llm.Request{
		Model:       r.model,
		System:      []string{fmt.Sprintf(responderPrompt, r.agent, name, r.campaign)},
		Messages:    messages,
		MaxTokens:   160,
		Temperature: 0.4,
	})
	if err != nil {
		return "", fmt.Errorf("analysis: respond: %w", err)
	}
	text := strings.TrimSpace(llm.StripCodeFence(resp.Text))
	if text == "" {
		return "", errors.New("analysis: empty response")
	}
	return text, nil
}
