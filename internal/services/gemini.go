package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"navyk-backend/internal/models"
)

const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiCoach answers coach conversations with Gemini, streaming the reply
// fragment by fragment.
type GeminiCoach struct {
	client    *genai.Client
	modelName string
	catalog   *CoachCatalog
	log       *zap.Logger
	slots     chan struct{}
}

func NewGeminiCoach(ctx context.Context, apiKey, modelName string, concurrentReqs int, catalog *CoachCatalog, log *zap.Logger) (*GeminiCoach, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	if concurrentReqs <= 0 {
		concurrentReqs = 5
	}

	return &GeminiCoach{
		client:    client,
		modelName: modelName,
		catalog:   catalog,
		log:       log,
		slots:     make(chan struct{}, concurrentReqs),
	}, nil
}

func (g *GeminiCoach) Close() {
	g.client.Close()
}

// Stream sends the conversation to Gemini as coachID and calls emit with
// every text fragment of the reply, in order.
func (g *GeminiCoach) Stream(ctx context.Context, coachID string, turns []models.ChatTurn, emit func(string) error) error {
	coach, err := g.catalog.Lookup(coachID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return errors.New("no messages to answer")
	}

	select {
	case g.slots <- struct{}{}:
		defer func() { <-g.slots }()
	case <-ctx.Done():
		return ctx.Err()
	}

	model := g.client.GenerativeModel(g.modelName)
	model.SetTemperature(0.7)
	model.SetTopP(0.95)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(coach.SystemPrompt)}}

	session := model.StartChat()
	session.History = buildHistory(turns[:len(turns)-1])
	last := turns[len(turns)-1]

	iter := session.SendMessageStream(ctx, genai.Text(last.Content))
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("Gemini API error: %w", err)
		}

		for _, cand := range resp.Candidates {
			if cand.FinishReason != genai.FinishReasonUnspecified && cand.FinishReason != genai.FinishReasonStop {
				g.log.Warn("Gemini stopped early", zap.String("coach_id", coachID), zap.String("reason", cand.FinishReason.String()))
			}
		}

		if text := extractText(resp); text != "" {
			if err := emit(text); err != nil {
				return err
			}
		}
	}
}

// buildHistory converts turns to Gemini contents. Consecutive turns of the
// same role, such as the revealed chunks of one reply, become one content.
func buildHistory(turns []models.ChatTurn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	var text []string
	role := ""
	flush := func() {
		if len(text) > 0 {
			history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(strings.Join(text, " "))}})
		}
		text = nil
	}

	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		r := "user"
		if t.Role == models.RoleAssistant {
			r = "model"
		}
		if r != role {
			flush()
			role = r
		}
		text = append(text, content)
	}
	flush()
	return history
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
