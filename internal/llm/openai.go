package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel     = openai.GPT4oMini
	defaultMaxTokens = 400

	// approxCostPerCall is a flat per-call estimate for the cost meter.
	// Headline prompts are short and uniform enough that metering tokens
	// would be precision theater.
	approxCostPerCall = 0.002
)

const systemPrompt = "You are a news wire editor. Write a neutral, factual " +
	"summary of the story described by the source headlines below, in 2-4 " +
	"sentences. Do not speculate beyond what the sources state."

// OpenAIConfig configures the OpenAI-backed provider.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// OpenAI is the production Provider.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &OpenAI{
		client:    openai.NewClient(cfg.APIKey),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (o *OpenAI) Summarize(ctx context.Context, prompt string) (Summary, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.completionRequest(prompt))
	if err != nil {
		return Summary{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Summary{}, fmt.Errorf("%w: empty choices", ErrTransient)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return Summary{}, ErrContentPolicy
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return Summary{}, fmt.Errorf("%w: empty completion", ErrTransient)
	}
	return Summary{Text: text, Model: resp.Model, Cost: approxCostPerCall}, nil
}

func (o *OpenAI) SubmitBatch(ctx context.Context, reqs []BatchRequest) (string, error) {
	if len(reqs) == 0 {
		return "", errors.New("llm: empty batch")
	}
	lines := make([]openai.BatchLineItem, 0, len(reqs))
	for _, req := range reqs {
		lines = append(lines, openai.BatchChatCompletionRequest{
			CustomID: req.StoryID,
			Method:   "POST",
			URL:      openai.BatchEndpointChatCompletions,
			Body:     o.completionRequest(req.Prompt),
		})
	}
	resp, err := o.client.CreateBatchWithUploadFile(ctx, openai.CreateBatchWithUploadFileRequest{
		Endpoint:         openai.BatchEndpointChatCompletions,
		CompletionWindow: "24h",
		UploadBatchFileRequest: openai.UploadBatchFileRequest{
			FileName: "summaries.jsonl",
			Lines:    lines,
		},
	})
	if err != nil {
		return "", classify(err)
	}
	return resp.ID, nil
}

func (o *OpenAI) PollBatch(ctx context.Context, batchID string) (BatchStatus, error) {
	resp, err := o.client.RetrieveBatch(ctx, batchID)
	if err != nil {
		return BatchStatus{}, classify(err)
	}
	switch resp.Status {
	case "completed":
	case "failed", "expired", "cancelled":
		return BatchStatus{Done: true, Failed: true}, nil
	default:
		return BatchStatus{}, nil
	}
	if resp.OutputFileID == nil {
		return BatchStatus{Done: true, Failed: true}, nil
	}

	raw, err := o.client.GetFileContent(ctx, *resp.OutputFileID)
	if err != nil {
		return BatchStatus{}, classify(err)
	}
	defer raw.Close()

	results := make(map[string]string)
	model := o.model
	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var line batchOutputLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if len(line.Response.Body.Choices) == 0 {
			continue
		}
		if line.Response.Body.Model != "" {
			model = line.Response.Body.Model
		}
		text := strings.TrimSpace(line.Response.Body.Choices[0].Message.Content)
		if text != "" {
			results[line.CustomID] = text
		}
	}
	if err := scanner.Err(); err != nil {
		return BatchStatus{}, fmt.Errorf("read batch output: %w", err)
	}
	return BatchStatus{Done: true, Model: model, Results: results}, nil
}

func (o *OpenAI) completionRequest(prompt string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
}

type batchOutputLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		Body openai.ChatCompletionResponse `json:"body"`
	} `json:"response"`
}

// classify folds provider errors into the two retry classes the dispatcher
// understands.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case apiErr.Type == "invalid_request_error" && strings.Contains(strings.ToLower(apiErr.Message), "content"):
			return fmt.Errorf("%w: %v", ErrContentPolicy, err)
		}
		return err
	}
	// Timeouts and connection resets are worth another try.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
