package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/asterhq/aster/llm"
	"github.com/asterhq/aster/session"
)

// Classification is the probabilistic layer's verdict.
type Classification struct {
	Level         Level
	Rationale     string
	FollowUpDelay time.Duration // 0 = no follow-up recommended
}

type Classifier interface {
	ClassifyRisk(ctx context.Context, message string, history []session.ConversationMessage) (Classification, error)
}

const classifierSystemPrompt = `You are a crisis-risk triage assistant for a supportive companion app.
Classify the risk that the user is in emotional crisis or a danger to themselves.
Respond with JSON only: {"level": "low"|"medium"|"high"|"critical", "rationale": "<one short sentence>", "follow_up_minutes": <integer, 0 if none>}.
Recommend follow_up_minutes when a check-in later today would help (typically 60-240).`

type llmClassifier struct {
	client  llm.Client
	model   string
	timeout time.Duration
}

type LLMClassifierOptions struct {
	Model   string
	Timeout time.Duration
}

func NewLLMClassifier(client llm.Client, opts LLMClassifierOptions) Classifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &llmClassifier{client: client, model: opts.Model, timeout: timeout}
}

type classifierVerdict struct {
	Level           string `json:"level"`
	Rationale       string `json:"rationale"`
	FollowUpMinutes int    `json:"follow_up_minutes"`
}

func (c *llmClassifier) ClassifyRisk(ctx context.Context, message string, history []session.ConversationMessage) (Classification, error) {
	if c == nil || c.client == nil {
		return Classification{}, fmt.Errorf("nil risk classifier")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: classifierSystemPrompt}}
	for _, h := range history {
		role := llm.RoleUser
		if h.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: h.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: message})

	res, err := c.client.Chat(ctx, llm.Request{
		Model:     c.model,
		Messages:  msgs,
		ForceJSON: true,
	})
	if err != nil {
		return Classification{}, err
	}

	var verdict classifierVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Text)), &verdict); err != nil {
		return Classification{}, fmt.Errorf("risk verdict decode: %w", err)
	}
	level, ok := ParseLevel(verdict.Level)
	if !ok {
		return Classification{}, fmt.Errorf("risk verdict level is invalid: %q", verdict.Level)
	}
	out := Classification{
		Level:     level,
		Rationale: strings.TrimSpace(verdict.Rationale),
	}
	if verdict.FollowUpMinutes > 0 {
		out.FollowUpDelay = time.Duration(verdict.FollowUpMinutes) * time.Minute
	}
	return out, nil
}
