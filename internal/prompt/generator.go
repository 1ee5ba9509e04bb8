// Package prompt は日記を書くための問いかけ（プロンプト）を生成する。
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hitoshi/daybook/internal/functions"
)

const (
	// DefaultModel はANTHROPIC_MODELが未設定の場合に使うモデル。
	DefaultModel = "claude-3-5-haiku-latest"
	// maxPromptTokens は生成するプロンプトの最大トークン数。
	maxPromptTokens = 300
	// maxEntryChars はプロンプトに含めるエントリ本文の最大文字数。
	maxEntryChars = 600
)

const systemPrompt = `You help a person keep a daily journal.
Write exactly one short, warm, open-ended question that invites them to write today's entry.
Build on themes from their recent entries when it helps, but never repeat an earlier question.
Reply with the question only, in the language the entries are written in.`

// Generator はプロンプトを生成する。
type Generator interface {
	Generate(ctx context.Context, req functions.PromptRequest) (string, error)
}

// AnthropicGenerator はAnthropic APIでプロンプトを生成する。
type AnthropicGenerator struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropicGenerator はAnthropicGeneratorを生成する。modelが空の場合はDefaultModelを使う。
func NewAnthropicGenerator(apiKey, model string, logger *slog.Logger, opts ...option.RequestOption) *AnthropicGenerator {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicGenerator{
		client: anthropic.NewClient(opts...),
		model:  model,
		logger: logger,
	}
}

// Generate はプロンプトを生成する。
func (g *AnthropicGenerator) Generate(ctx context.Context, req functions.PromptRequest) (string, error) {
	start := time.Now()
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: maxPromptTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildUserMessage(req))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("Anthropic APIの呼び出しに失敗しました: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	prompt := strings.TrimSpace(sb.String())
	if prompt == "" {
		return "", fmt.Errorf("Anthropic APIの応答にテキストがありません")
	}

	g.logger.Debug("プロンプトを生成しました",
		slog.String("model", g.model),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return prompt, nil
}

// FunctionsGenerator はサーバーレス関数にプロンプト生成を委ねる。
type FunctionsGenerator struct {
	client *functions.Client
}

// NewFunctionsGenerator はFunctionsGeneratorを生成する。
func NewFunctionsGenerator(client *functions.Client) *FunctionsGenerator {
	return &FunctionsGenerator{client: client}
}

// Generate はプロンプトを生成する。
func (g *FunctionsGenerator) Generate(ctx context.Context, req functions.PromptRequest) (string, error) {
	return g.client.GeneratePrompt(ctx, req)
}

// BuildUserMessage は生成の入力となるエントリと設定を1つのテキストにまとめる。
func BuildUserMessage(req functions.PromptRequest) string {
	var sb strings.Builder

	if req.CurrentEntry != nil {
		sb.WriteString("Today's entry so far:\n")
		writeEntry(&sb, req.CurrentEntry.Date, req.CurrentEntry.Title, req.CurrentEntry.Content)
	} else {
		sb.WriteString("Nothing has been written today yet.\n")
	}

	if len(req.RecentEntries) > 0 {
		sb.WriteString("\nRecent entries:\n")
		for _, e := range req.RecentEntries {
			writeEntry(&sb, e.Date, e.Title, e.Content)
		}
	}

	if len(req.Preferences) > 0 && string(req.Preferences) != "null" {
		sb.WriteString("\nPrompt preferences (JSON): ")
		sb.Write(req.Preferences)
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeEntry(sb *strings.Builder, date time.Time, title, content string) {
	sb.WriteString("- ")
	sb.WriteString(date.Format(time.DateOnly))
	if title = strings.TrimSpace(title); title != "" {
		sb.WriteString(" ")
		sb.WriteString(title)
	}
	sb.WriteString(": ")
	sb.WriteString(truncate(strings.TrimSpace(content), maxEntryChars))
	sb.WriteString("\n")
}

// truncate はsをn文字（rune単位）までに切り詰める。
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
