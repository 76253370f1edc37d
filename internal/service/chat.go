package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/foodchat/internal/agent"
	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/workflow"
)

// ChatWorkflow is the registered name of the chat workflow.
const ChatWorkflow = "chat"

// ChatArgs is the durable input of a chat run.
type ChatArgs struct {
	ChatID      string                `json:"chatId"`
	MessageID   string                `json:"messageId"`
	History     []domain.ModelMessage `json:"history"`
	ToolContext domain.ToolContext    `json:"toolContext"`
	MaxSteps    int                   `json:"maxSteps"`
}

// ChatOutput is the result of a completed chat run.
type ChatOutput struct {
	MessageID string              `json:"messageId"`
	Parts     []domain.Part       `json:"parts"`
	StepCount int                 `json:"stepCount"`
	Finish    domain.FinishReason `json:"finishReason"`
}

// FinishReason implements workflow.Finisher.
func (o *ChatOutput) FinishReason() domain.FinishReason { return o.Finish }

type finalizeInput struct {
	MessageID string        `json:"messageId"`
	Parts     []domain.Part `json:"parts"`
}

type finalizeOutput struct {
	MessageID string `json:"messageId"`
}

func (s *Service) runChat(wctx *workflow.Context, input json.RawMessage) (any, error) {
	var args ChatArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, domain.Fatal(fmt.Errorf("failed to decode chat args: %w", err))
	}

	res, err := s.loop.Run(wctx, args.History, agent.Options{
		MaxSteps:    args.MaxSteps,
		ToolContext: args.ToolContext,
	})
	if err != nil {
		return nil, err
	}

	parts := persistable(res.Parts)
	if _, err := s.finalize.Run(wctx, finalizeInput{MessageID: args.MessageID, Parts: parts}); err != nil {
		return nil, err
	}
	return &ChatOutput{
		MessageID: args.MessageID,
		Parts:     parts,
		StepCount: res.StepCount,
		Finish:    res.FinishReason,
	}, nil
}

// finalizeMessage is the commit point of a chat run. Settled messages are
// left alone, so replaying it is harmless.
func (s *Service) finalizeMessage(ctx context.Context, sc *workflow.StepContext, in finalizeInput) (finalizeOutput, error) {
	if err := s.store.FinalizeMessage(ctx, in.MessageID, in.Parts); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrMessageNotFound) {
			return finalizeOutput{}, domain.Fatal(err)
		}
		return finalizeOutput{}, fmt.Errorf("failed to finalize message: %w", err)
	}
	return finalizeOutput{MessageID: in.MessageID}, nil
}

// persistable drops the empty text a model may stream between tool calls.
func persistable(parts []domain.Part) []domain.Part {
	out := make([]domain.Part, 0, len(parts))
	for _, p := range parts {
		if (p.Type == domain.PartTypeText || p.Type == domain.PartTypeReasoning) && p.Text == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
