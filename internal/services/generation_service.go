package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/viper"
)

// GenerationRequest is the guarded content-generation payload.
// @Description Content generation request
type GenerationRequest struct {
	Prompt    string `json:"prompt" validate:"required,min=3,max=4000" example:"Write a product description for a ceramic mug"`
	MaxTokens int    `json:"maxTokens" validate:"omitempty,gt=0,lte=4096" example:"512"`
}

// GenerationResult is what the provider hands back.
type GenerationResult struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// ContentProvider is the external generation collaborator. The ledger core
// only cares that it succeeds or fails; consumption is triggered afterwards
// by the affordability guard.
type ContentProvider interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// OpenAIProvider backs ContentProvider with the chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider() *OpenAIProvider {
	viper.SetDefault("openai.model", openai.GPT4oMini)
	return &OpenAIProvider{
		client: openai.NewClient(viper.GetString("openai.api_key")),
		model:  viper.GetString("openai.model"),
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	return &GenerationResult{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
	}, nil
}

// GenerationService exposes the guarded generation route. It knows nothing
// about credits; the guard middleware around it does the charging.
type GenerationService struct {
	provider  ContentProvider
	validator *ValidationHelper
}

func NewGenerationService(provider ContentProvider) *GenerationService {
	return &GenerationService{
		provider:  provider,
		validator: NewValidationHelper(),
	}
}

// Generate runs a content generation
// @Summary Generate content
// @Description Generate text for a prompt. Gated by the affordability guard; credits are consumed only after a successful generation.
// @Tags generation
// @Accept json
// @Produce json
// @Param request body GenerationRequest true "Generation request"
// @Success 200 {object} GenerationResult
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} map[string]interface{} "Insufficient credits"
// @Failure 502 {object} ErrorResponse "Provider failure"
// @Router /generate [post]
func (s *GenerationService) Generate(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req GenerationRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.provider.Generate(r.Context(), req)
	if err != nil {
		log.Printf("[GENERATION] Provider failure: %v", err)
		SendErrorResponse(w, "Generation failed, you have not been charged", http.StatusBadGateway, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
