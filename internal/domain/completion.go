package domain

import (
	"context"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt is an ordered message list. A system message, if present, leads.
type Prompt []ChatMessage

// Validate checks roles and that no system message appears after index 0.
func (p Prompt) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("empty prompt")
	}
	for i, m := range p {
		switch m.Role {
		case RoleSystem:
			if i != 0 {
				return fmt.Errorf("system message at position %d, must lead", i)
			}
		case RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("unknown role %q at position %d", m.Role, i)
		}
	}
	return nil
}

// NewPrompt builds the two-message [system, user] prompt used by every
// handler. An empty persona yields a user-only prompt.
func NewPrompt(persona, user string) Prompt {
	if persona == "" {
		return Prompt{{Role: RoleUser, Content: user}}
	}
	return Prompt{
		{Role: RoleSystem, Content: persona},
		{Role: RoleUser, Content: user},
	}
}

// CompletionRequest is built per call and never reused.
type CompletionRequest struct {
	Prompt          Prompt
	MaxOutputTokens int
	Model           string // empty = client default
	Temperature     float64
	TopP            float64
	N               int // always 1
}

type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishOther  FinishReason = "other"
)

// ParseFinishReason maps a wire finish_reason onto the three known values.
func ParseFinishReason(s string) FinishReason {
	switch s {
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	default:
		return FinishOther
	}
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage returns a Usage whose total is always prompt + completion.
func NewUsage(prompt, completion int) Usage {
	if prompt < 0 {
		prompt = 0
	}
	if completion < 0 {
		completion = 0
	}
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

type CompletionResult struct {
	Text         string
	FinishReason FinishReason
	Usage        Usage
}

// Completer turns a prompt into a single reply.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}
