package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fredhsu/reviewloop/internal/llm/prompts"
	"github.com/fredhsu/reviewloop/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrMalformedResponse marks generation or grading output that could not be
// parsed or did not match the request shape.
var ErrMalformedResponse = errors.New("malformed LLM response")

// Client wraps an OpenAI-compatible API for question generation and grading.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
}

// New creates a new LLM client. timeout bounds each individual API call;
// zero means no client-side deadline.
func New(baseURL, apiKey, modelName string, timeout time.Duration) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		timeout: timeout,
	}
}

// Ping verifies the API endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// complete sends a single JSON-mode chat completion and returns the raw content.
func (c *Client) complete(ctx context.Context, systemPrompt string, temperature float32) (string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// generatedQuestion is the wire shape of one generated question.
type generatedQuestion struct {
	Prompt  string   `json:"prompt"`
	Type    string   `json:"type"`
	Options []string `json:"options"`
	Answer  string   `json:"answer"`
}

func (g generatedQuestion) toModel(index int) model.QuizQuestion {
	qt := model.QuestionType(g.Type)
	if qt != model.QuestionMultipleChoice && qt != model.QuestionShortAnswer {
		qt = model.QuestionShortAnswer
	}
	q := model.QuizQuestion{
		Index:  index,
		Prompt: g.Prompt,
		Type:   qt,
		Answer: g.Answer,
	}
	if qt == model.QuestionMultipleChoice {
		q.Options = g.Options
	}
	return q
}

// GenerateMany requests quiz questions for all items in one call.
// The returned map may lack entries for items the model skipped; callers
// treat those as per-item generation failures.
func (c *Client) GenerateMany(ctx context.Context, items []model.ItemState, perItem int) (map[int64][]model.QuizQuestion, error) {
	if len(items) == 0 {
		return map[int64][]model.QuizQuestion{}, nil
	}

	raw, err := c.complete(ctx, prompts.BuildGeneratePrompt(items, perItem), 0.7)
	if err != nil {
		return nil, err
	}
	slog.Debug("batch generation response", "items", len(items), "raw_len", len(raw))

	var payload struct {
		Items map[string][]generatedQuestion `json:"items"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: parse generation: %v", ErrMalformedResponse, err)
	}

	known := make(map[int64]bool, len(items))
	for _, it := range items {
		known[it.ID] = true
	}

	out := make(map[int64][]model.QuizQuestion, len(payload.Items))
	for key, gen := range payload.Items {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || !known[id] || len(gen) == 0 {
			continue
		}
		qs := make([]model.QuizQuestion, 0, len(gen))
		for i, g := range gen {
			qs = append(qs, g.toModel(i))
		}
		out[id] = qs
	}
	return out, nil
}

// GenerateOne requests quiz questions for a single item.
func (c *Client) GenerateOne(ctx context.Context, item model.ItemState, perItem int) ([]model.QuizQuestion, error) {
	res, err := c.GenerateMany(ctx, []model.ItemState{item}, perItem)
	if err != nil {
		return nil, err
	}
	qs, ok := res[item.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no questions for item %d", ErrMalformedResponse, item.ID)
	}
	return qs, nil
}

// gradedAnswer is the wire shape of one grading verdict.
type gradedAnswer struct {
	Correct  bool   `json:"correct"`
	Feedback string `json:"feedback"`
	Rating   int    `json:"rating"`
}

func (g gradedAnswer) toModel(questionIndex int) model.GradingResult {
	return model.GradingResult{
		QuestionIndex:   questionIndex,
		Correct:         g.Correct,
		Feedback:        g.Feedback,
		SuggestedRating: model.Rating(g.Rating).Clamp(),
	}
}

// GradeOne grades a single answer. Multiple-choice questions with a canonical
// answer are graded locally; everything else goes to the grading backend.
func (c *Client) GradeOne(ctx context.Context, q model.QuizQuestion, answer string) (model.GradingResult, error) {
	if q.Type == model.QuestionMultipleChoice && q.Answer != "" {
		return gradeChoice(q, answer), nil
	}

	raw, err := c.complete(ctx, prompts.BuildGradePrompt(q, answer), 0.1)
	if err != nil {
		return model.GradingResult{}, err
	}

	var g gradedAnswer
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return model.GradingResult{}, fmt.Errorf("%w: parse grading: %v", ErrMalformedResponse, err)
	}
	return g.toModel(q.Index), nil
}

// GradeMany grades a set of answers in one call. The response array must
// align by position with the request; any mismatch is an error.
func (c *Client) GradeMany(ctx context.Context, questions []model.QuizQuestion, answers []string) ([]model.GradingResult, error) {
	if len(questions) != len(answers) {
		return nil, fmt.Errorf("grade many: %d questions, %d answers", len(questions), len(answers))
	}

	raw, err := c.complete(ctx, prompts.BuildGradeBatchPrompt(questions, answers), 0.1)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Results []gradedAnswer `json:"results"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: parse batch grading: %v", ErrMalformedResponse, err)
	}
	if len(payload.Results) != len(questions) {
		return nil, fmt.Errorf("%w: expected %d results, got %d",
			ErrMalformedResponse, len(questions), len(payload.Results))
	}

	results := make([]model.GradingResult, len(payload.Results))
	for i, g := range payload.Results {
		results[i] = g.toModel(questions[i].Index)
	}
	return results, nil
}

// gradeChoice grades a multiple-choice answer against the canonical option.
func gradeChoice(q model.QuizQuestion, answer string) model.GradingResult {
	correct := strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(q.Answer))
	res := model.GradingResult{
		QuestionIndex: q.Index,
		Correct:       correct,
	}
	if correct {
		res.SuggestedRating = model.RatingEasy
		res.Feedback = "Correct."
	} else {
		res.SuggestedRating = model.RatingAgain
		res.Feedback = "Incorrect. The right answer is: " + q.Answer
	}
	return res
}
