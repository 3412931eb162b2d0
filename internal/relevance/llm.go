package relevance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/textloop/textloop/internal/model"
	"github.com/textloop/textloop/pkg/circuitbreaker"
)

// LLMConfig configures the relevance provider call.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LLMChecker asks a chat-completion provider whether a queued message is
// still appropriate given the transcript delta. The call is blocking and
// may be slow; the configured timeout bounds it and a breaker keeps a
// degraded provider from stalling every tick.
type LLMChecker struct {
	cfg     LLMConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func NewLLMChecker(cfg LLMConfig) *LLMChecker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &LLMChecker{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New("relevance-llm", 5, time.Minute),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type verdict struct {
	Verdict           string `json:"verdict"`
	RescheduleMinutes int    `json:"reschedule_minutes"`
	Rationale         string `json:"rationale"`
}

const systemPrompt = `You review a queued outbound SMS against the conversation turns that happened after it was queued. Reply with JSON only: {"verdict":"still_relevant"|"stale_supersede"|"stale_reschedule","reschedule_minutes":<int, only for stale_reschedule>,"rationale":"<one sentence>"}`

func (c *LLMChecker) CheckRelevance(ctx context.Context, msg *model.OutboundMessage, delta []ConversationTurn) (Result, error) {
	var result Result
	err := c.breaker.Execute(func() error {
		var innerErr error
		result, innerErr = c.check(ctx, msg, delta)
		return innerErr
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (c *LLMChecker) check(ctx context.Context, msg *model.OutboundMessage, delta []ConversationTurn) (Result, error) {
	var sb strings.Builder
	sb.WriteString("Queued message payload:\n")
	sb.Write(msg.MessageData)
	if msg.FinalMessage != nil {
		fmt.Fprintf(&sb, "\nRendered text: %s", *msg.FinalMessage)
	}
	fmt.Fprintf(&sb, "\nQueued at: %s\n", msg.CreatedAt.Format(time.RFC3339))
	if len(delta) == 0 {
		sb.WriteString("No conversation turns since it was queued.\n")
	} else {
		sb.WriteString("Conversation turns since it was queued:\n")
		for _, turn := range delta {
			fmt.Fprintf(&sb, "[%s] %s: %s\n", turn.At.Format(time.RFC3339), turn.Role, turn.Text)
		}
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal relevance request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build relevance request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("relevance provider call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("relevance provider returned %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Result{}, fmt.Errorf("decode relevance response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return Result{}, fmt.Errorf("relevance provider returned no choices")
	}

	return parseVerdict(chat.Choices[0].Message.Content, time.Now().UTC())
}

func parseVerdict(content string, now time.Time) (Result, error) {
	// Providers sometimes wrap JSON in a code fence; strip it.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var v verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return Result{}, fmt.Errorf("parse relevance verdict: %w", err)
	}

	switch Outcome(v.Verdict) {
	case OutcomeStillRelevant:
		return Result{Outcome: OutcomeStillRelevant, Rationale: v.Rationale}, nil
	case OutcomeSupersede:
		return Result{Outcome: OutcomeSupersede, Rationale: v.Rationale}, nil
	case OutcomeReschedule:
		minutes := v.RescheduleMinutes
		if minutes <= 0 {
			minutes = 60
		}
		return Result{
			Outcome:       OutcomeReschedule,
			RescheduleFor: now.Add(time.Duration(minutes) * time.Minute),
			Rationale:     v.Rationale,
		}, nil
	default:
		return Result{}, fmt.Errorf("unknown relevance verdict %q", v.Verdict)
	}
}
