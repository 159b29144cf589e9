package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/paywatch/backend/internal/analysis/risk"
	"github.com/zhouzirui/paywatch/backend/internal/model/session"
)

// Config 控制审核提示服务的行为。
type Config struct {
	Enabled bool
}

// Input is what a reviewer may see about a transaction.
type Input struct {
	Transaction session.Transaction
	OriginHint  string
}

// Note is the console-facing review hint for one transaction.
type Note struct {
	TransactionID string   `json:"transactionId"`
	Level         string   `json:"level"`
	Flags         []string `json:"flags,omitempty"`
	Summary       string   `json:"summary"`
	Source        string   `json:"source"`
}

// Service scores transactions with heuristics and, when a chat model is
// configured, lets the model refine the level and write the summary.
type Service struct {
	enabled  bool
	reviewer compose.Runnable[map[string]any, *schema.Message]
	now      func() time.Time
}

// NewService builds the review service. chatModel may be nil.
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config) (*Service, error) {
	svc := &Service{
		enabled: cfg.Enabled && chatModel != nil,
		now:     time.Now,
	}
	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(reviewSystemPrompt),
		schema.UserMessage(reviewUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile review chain: %w", err)
	}

	svc.reviewer = runnable
	return svc, nil
}

// Enabled reports whether the model-backed path is active.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.reviewer != nil
}

// Review returns a note for the transaction. It never fails: model errors
// fall back to the heuristic note.
func (s *Service) Review(ctx context.Context, in Input) Note {
	assessment := risk.Analyze(in.Transaction.Payload, risk.Signals{
		OriginHint:   in.OriginHint,
		CodeAttempts: in.Transaction.CodeAttempts,
		Now:          s.now(),
	})
	fallback := heuristicNote(in.Transaction.ID, assessment)

	if !s.Enabled() {
		return fallback
	}

	msg, err := s.reviewer.Invoke(ctx, buildInput(in, assessment))
	if err != nil {
		log.Printf("[review] model invoke failed, use heuristics: %v", err)
		return fallback
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return fallback
	}

	result, err := parseReviewerOutput(msg.Content)
	if err != nil {
		log.Printf("[review] model output parse failed, use heuristics: %v", err)
		return fallback
	}

	note := fallback
	note.Source = "llm"
	if level, ok := parseLevel(result.Level); ok {
		note.Level = string(level)
	}
	if summary := strings.TrimSpace(result.Summary); summary != "" {
		note.Summary = summary
	}
	return note
}

func heuristicNote(transactionID string, a risk.Assessment) Note {
	flags := make([]string, len(a.Flags))
	for i, f := range a.Flags {
		flags[i] = string(f)
	}

	summary := "no heuristic flags raised"
	if len(flags) > 0 {
		summary = "flags: " + strings.Join(flags, ", ")
	}

	return Note{
		TransactionID: transactionID,
		Level:         string(a.Level),
		Flags:         flags,
		Summary:       summary,
		Source:        "heuristic",
	}
}

// buildInput never exposes the instrument reference beyond its last digits.
func buildInput(in Input, a risk.Assessment) map[string]any {
	p := in.Transaction.Payload
	flags := "none"
	if len(a.Flags) > 0 {
		parts := make([]string, len(a.Flags))
		for i, f := range a.Flags {
			parts[i] = string(f)
		}
		flags = strings.Join(parts, ", ")
	}

	return map[string]any{
		"amount":        fmt.Sprintf("%d %s", p.Amount, strings.TrimSpace(p.Currency)),
		"plan":          valueOr(p.PlanRef, "unspecified"),
		"billing_cycle": valueOr(p.BillingCycle, "unspecified"),
		"instrument":    maskInstrument(p.InstrumentRef),
		"origin":        valueOr(in.OriginHint, "unknown"),
		"code_attempts": in.Transaction.CodeAttempts,
		"flags":         flags,
		"level":         string(a.Level),
	}
}

func maskInstrument(ref string) string {
	ref = strings.TrimSpace(ref)
	if len(ref) <= 4 {
		return "****"
	}
	return "****" + ref[len(ref)-4:]
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return strings.TrimSpace(v)
}

func parseReviewerOutput(content string) (*reviewerPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &reviewerPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func parseLevel(raw string) (risk.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return risk.Low, true
	case "medium":
		return risk.Medium, true
	case "high":
		return risk.High, true
	default:
		return "", false
	}
}

type reviewerPayload struct {
	Level   string `json:"level"`
	Summary string `json:"summary"`
}

const reviewSystemPrompt = "You assist a payment operator who approves or rejects checkout attempts by hand. Read the transaction facts and the heuristic flags, then judge the risk.\nReturn exactly one JSON object with the fields level (one of low/medium/high) and summary (one short sentence for the operator). Do not output anything else."

const reviewUserPrompt = "Amount: {amount}\nPlan: {plan} ({billing_cycle})\nInstrument: {instrument}\nOrigin: {origin}\nVerification codes submitted: {code_attempts}\nHeuristic level: {level}\nHeuristic flags: {flags}"
