// FILE: assistant.go
// Package main – Portfolio-analysis chat assistant.
//
// Takes a free-text operator question, snapshots current positions and open
// orders through the broker (read-only), and asks the LLM for an analysis.
// This channel is strictly isolated from reconciliation: it shares the broker
// but mutates nothing, and any failure here surfaces only as a chat error.
package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const assistantPreamble = `You are an AI portfolio manager responsible for analyzing my portfolio.
Your tasks are the following:
1.) Evaluate risk exposures of my current holdings
2.) Analyze my open limit orders and their potential impact
3.) Provide insights into portfolio health, diversification, trade adjustments, etc.
4.) Speculate on the market outlook based on current market conditions
5.) Identify potential market risks and suggest risk management strategies`

// Assistant answers operator questions about the live portfolio.
type Assistant struct {
	client openai.Client
	model  string
	broker Broker
	ledger *Ledger
}

func NewAssistant(cfg Config, broker Broker, ledger *Ledger) *Assistant {
	return &Assistant{
		client: openai.NewClient(option.WithAPIKey(cfg.OpenAIAPIKey)),
		model:  cfg.OpenAIModel,
		broker: broker,
		ledger: ledger,
	}
}

// Analyze builds the portfolio context and returns the model's answer.
func (a *Assistant) Analyze(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("%w: empty question", ErrInvalidParameter)
	}

	portfolio := a.portfolioSummary(ctx)
	orders := a.openOrderSummary(ctx)

	system := fmt.Sprintf("%s\n\nHere is my portfolio:\n%s\n\nHere are my open orders:\n%s\n\nOverall, answer the following question with priority having that background.",
		assistantPreamble, portfolio, orders)

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(question),
		},
	})
	if err != nil {
		return "", fmt.Errorf("assistant: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("assistant: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// portfolioSummary renders one line per tracked symbol that holds a live
// position. Lookup failures degrade to a note; they never fail the chat.
func (a *Assistant) portfolioSummary(ctx context.Context) string {
	var b strings.Builder
	for _, sym := range a.ledger.Symbols() {
		pos, err := a.broker.GetPosition(ctx, sym)
		if err != nil {
			if errors.Is(err, ErrNoPosition) {
				continue
			}
			fmt.Fprintf(&b, "- %s: position unavailable (%v)\n", sym, err)
			continue
		}
		fmt.Fprintf(&b, "- %s: qty=%s entry=%s current=%s unrealized_pl=%s\n",
			pos.Symbol, pos.Qty, pos.AvgEntryPrice, pos.CurrentPrice, pos.UnrealizedPL)
	}
	if b.Len() == 0 {
		return "(no open positions)"
	}
	return b.String()
}

func (a *Assistant) openOrderSummary(ctx context.Context) string {
	orders, err := a.broker.ListOrders(ctx, StatusOpen, "", 100)
	if err != nil {
		return fmt.Sprintf("(open orders unavailable: %v)", err)
	}
	if len(orders) == 0 {
		return "(no open orders)"
	}
	var b strings.Builder
	for _, o := range orders {
		fmt.Fprintf(&b, "- %s: %s %s %s qty=%s limit=%s\n",
			o.Symbol, o.Side, o.Type, o.Status, o.Qty, o.LimitPrice)
	}
	return b.String()
}
