package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"codeagent/internal/domain"
	"codeagent/internal/metrics"
)

const defaultMaxTokens = 4096

// ErrEmptyPrompt is returned when Run is called without a prompt.
var ErrEmptyPrompt = errors.New("prompt cannot be empty")

// Dispatcher executes planner tool calls against the workspace.
type Dispatcher interface {
	Dispatch(ctx context.Context, call domain.ToolCall) domain.Result
	Definitions() []domain.ToolDefinition
}

// Reporter receives progress events for verbose output.
type Reporter interface {
	Prompt(text string)
	Usage(u domain.Usage)
	ToolCall(call domain.ToolCall)
	ToolResult(res domain.Result)
}

type nopReporter struct{}

func (nopReporter) Prompt(string)            {}
func (nopReporter) Usage(domain.Usage)       {}
func (nopReporter) ToolCall(domain.ToolCall) {}
func (nopReporter) ToolResult(domain.Result) {}

// Outcome is everything one Run produced.
type Outcome struct {
	Text    string
	Calls   []domain.ToolCall
	Results []domain.Result
	// Unexecuted holds tool calls the model asked for in its final reply.
	Unexecuted []domain.ToolCall
	Usage      domain.Usage
}

// Loop runs a single planning turn: ask the model, run the tools it picked,
// send the results back once and return the answer.
type Loop struct {
	provider     domain.Provider
	dispatcher   Dispatcher
	reporter     Reporter
	logger       *slog.Logger
	metrics      *metrics.Collector
	systemPrompt string
	maxTokens    int
}

type LoopConfig struct {
	Provider   domain.Provider
	Dispatcher Dispatcher
	Reporter   Reporter
	Logger     *slog.Logger
	Metrics    *metrics.Collector // optional
	// SystemPrompt overrides the prompt built from the tool definitions.
	SystemPrompt string
	PromptExtra  string
	MaxTokens    int
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, errors.New("agent: provider is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("agent: dispatcher is required")
	}
	if cfg.Reporter == nil {
		cfg.Reporter = nopReporter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = BuildSystemPrompt(cfg.Dispatcher.Definitions(), cfg.PromptExtra)
	}
	return &Loop{
		provider:     cfg.Provider,
		dispatcher:   cfg.Dispatcher,
		reporter:     cfg.Reporter,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (l *Loop) Run(ctx context.Context, prompt string) (*Outcome, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	l.reporter.Prompt(prompt)

	defs := l.dispatcher.Definitions()
	messages := []domain.Message{
		{Role: "system", Content: l.systemPrompt},
		{Role: "user", Content: prompt},
	}
	out := &Outcome{}

	resp, err := l.chat(ctx, messages, defs, out)
	if err != nil {
		return nil, err
	}

	if !resp.HasToolCalls() && resp.Content != "" {
		if extracted := extractToolCallsFromContent(resp.Content); len(extracted) > 0 {
			l.logger.Info("extracted tool calls from content text", "count", len(extracted))
			resp.ToolCalls = extracted
			resp.Content = ""
		}
	}
	if !resp.HasToolCalls() {
		out.Text = stripRolePrefix(resp.Content)
		return out, nil
	}

	messages = append(messages, domain.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	// Calls run one at a time, in the order the model listed them.
	for _, call := range resp.ToolCalls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.reporter.ToolCall(call)
		res := l.dispatcher.Dispatch(ctx, call)
		l.reporter.ToolResult(res)

		out.Calls = append(out.Calls, call)
		out.Results = append(out.Results, res)
		messages = append(messages, domain.Message{
			Role:       "tool",
			Content:    envelopeJSON(res),
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
	}

	final, err := l.chat(ctx, messages, defs, out)
	if err != nil {
		return nil, err
	}
	if final.HasToolCalls() {
		l.logger.Info("model requested more tool calls after the final turn; not executing",
			"count", len(final.ToolCalls))
		out.Unexecuted = final.ToolCalls
	}
	out.Text = stripRolePrefix(final.Content)
	return out, nil
}

func (l *Loop) chat(ctx context.Context, messages []domain.Message, defs []domain.ToolDefinition, out *Outcome) (*domain.ChatResponse, error) {
	start := time.Now()
	resp, err := l.provider.Chat(ctx, domain.ChatRequest{
		Messages:  messages,
		Tools:     defs,
		MaxTokens: l.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM error: %w", err)
	}
	elapsed := time.Since(start)
	l.logger.Debug("model replied",
		"provider", l.provider.Name(),
		"tool_calls", len(resp.ToolCalls),
		"latency_ms", elapsed.Milliseconds(),
	)
	l.metrics.ObserveLLM(l.provider.Name(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, elapsed)
	l.reporter.Usage(resp.Usage)
	out.Usage.Add(resp.Usage)
	return resp, nil
}

func envelopeJSON(res domain.Result) string {
	b, err := json.Marshal(res.Envelope())
	if err != nil {
		return res.String()
	}
	return string(b)
}
