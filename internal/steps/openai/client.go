// Package openai implements the analysis step collaborators on the OpenAI
// chat-completions API. Responses are requested as JSON objects and parsed
// into the typed step results; structural validation happens in the state
// store, not here.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/meridianlabs/deepvalue/internal/models"
	"github.com/meridianlabs/deepvalue/internal/steps"
)

const defaultMaxTokens = 4096

// Client backs all four step collaborators with one OpenAI client.
type Client struct {
	api    *openai.Client
	model  string
	logger *zap.Logger
}

// NewClient creates a collaborator client. An empty model falls back to
// gpt-4o-mini.
func NewClient(apiKey, model string, logger *zap.Logger) *Client {
	if model == "" {
		model = openai.GPT4oMini
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: openai.NewClient(apiKey), model: model, logger: logger}
}

func (c *Client) chatJSON(ctx context.Context, system, user string) (string, int, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	// Reasoning models take MaxCompletionTokens instead of MaxTokens.
	if strings.HasPrefix(c.model, "o1") || strings.HasPrefix(c.model, "o3") ||
		strings.HasPrefix(c.model, "o4") || strings.HasPrefix(c.model, "gpt-5") {
		req.MaxCompletionTokens = defaultMaxTokens
	} else {
		req.MaxTokens = defaultMaxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", 0, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", resp.Usage.TotalTokens, fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}

// Generate implements steps.HypothesisGenerator.
func (c *Client) Generate(ctx context.Context, in steps.GenerateInput) (*steps.GenerateResult, error) {
	content, tokens, err := c.chatJSON(ctx, hypothesisSystemPrompt, hypothesisUserPrompt(in))
	if err != nil {
		return nil, err
	}

	var payload struct {
		Hypotheses []struct {
			Title      string `json:"title"`
			Thesis     string `json:"thesis"`
			ImpactRank int    `json:"impact_rank"`
		} `json:"hypotheses"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("parse hypothesis response: %w", err)
	}
	if len(payload.Hypotheses) == 0 {
		return nil, fmt.Errorf("hypothesis response contained no hypotheses")
	}

	now := time.Now()
	hyps := make([]models.Hypothesis, 0, len(payload.Hypotheses))
	for i, h := range payload.Hypotheses {
		rank := h.ImpactRank
		if rank <= 0 {
			rank = i + 1
		}
		hyps = append(hyps, models.Hypothesis{
			ID:         uuid.New().String(),
			Title:      h.Title,
			Thesis:     h.Thesis,
			Confidence: 0.3, // generation seeds a prior; synthesis earns the rest
			ImpactRank: rank,
			CreatedAt:  now,
		})
	}
	c.logger.Debug("generated hypotheses",
		zap.String("ticker", in.Entity.Ticker),
		zap.Int("count", len(hyps)),
		zap.Int("tokens", tokens),
	)
	return &steps.GenerateResult{Hypotheses: hyps, TokensUsed: tokens}, nil
}

// Research implements steps.EvidenceGatherer.
func (c *Client) Research(ctx context.Context, in steps.ResearchInput) (*steps.ResearchResult, error) {
	content, tokens, err := c.chatJSON(ctx, evidenceSystemPrompt, evidenceUserPrompt(in))
	if err != nil {
		return nil, err
	}

	var payload struct {
		Evidence []struct {
			Claim           string  `json:"claim"`
			SourceType      string  `json:"source_type"`
			SourceReference string  `json:"source_reference"`
			Quote           string  `json:"quote"`
			Confidence      float64 `json:"confidence"`
			ImpactDirection string  `json:"impact_direction"`
		} `json:"evidence"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("parse evidence response: %w", err)
	}

	now := time.Now()
	items := make([]models.EvidenceItem, 0, len(payload.Evidence))
	for _, ev := range payload.Evidence {
		items = append(items, models.EvidenceItem{
			ID:              uuid.New().String(),
			Claim:           ev.Claim,
			SourceType:      ev.SourceType,
			SourceReference: ev.SourceReference,
			Quote:           ev.Quote,
			Confidence:      ev.Confidence,
			Impact:          models.ImpactDirection(ev.ImpactDirection),
			CreatedAt:       now,
		})
	}
	return &steps.ResearchResult{HypothesisID: in.Hypothesis.ID, Evidence: items, TokensUsed: tokens}, nil
}

// Synthesize implements steps.Synthesizer.
func (c *Client) Synthesize(ctx context.Context, in steps.SynthesizeInput) (*steps.SynthesizeResult, error) {
	content, tokens, err := c.chatJSON(ctx, synthesisSystemPrompt, synthesisUserPrompt(in))
	if err != nil {
		return nil, err
	}

	var payload struct {
		Confidences map[string]float64 `json:"confidences"`
		Narrative   string             `json:"narrative"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("parse synthesis response: %w", err)
	}
	if len(payload.Confidences) == 0 {
		return nil, fmt.Errorf("synthesis response contained no confidences")
	}
	return &steps.SynthesizeResult{
		Confidences: payload.Confidences,
		Narrative:   payload.Narrative,
		TokensUsed:  tokens,
	}, nil
}

// Build implements steps.ReportBuilder. The report is plain markdown, not
// JSON; the ref is derived from the run identity.
func (c *Client) Build(ctx context.Context, run *models.AnalysisRun) (*steps.ReportResult, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: reportSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: reportUserPrompt(run)},
		},
		MaxTokens: defaultMaxTokens,
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("report completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("report completion returned no choices")
	}
	return &steps.ReportResult{
		Ref:        fmt.Sprintf("report://%s/%s", strings.ToLower(run.Ticker), run.ID),
		Document:   resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}
