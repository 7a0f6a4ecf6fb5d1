package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/abdusss111/marbix-service/internal/config"
	"github.com/abdusss111/marbix-service/pkg/models"
)

// prohibitedTopics lists the business categories the platform refuses to
// serve, derived from Kazakhstan marketplace rules.
var prohibitedTopics = []string{
	"Weapons (firearms, cold weapons, pneumatic weapons, crossbows, accessories)",
	"Military vehicles and combat equipment",
	"Confiscated and contraband goods",
	"Body armor and law enforcement protective equipment",
	"Gambling services and betting systems",
	"Medical products and pharmaceuticals without licensing",
	"Prescription drugs, steroids, anabolics",
	"Human organs and donor services",
	"Alcoholic beverage sales",
	"Tobacco products including e-cigarettes and hookah",
	"Narcotic and psychotropic substances",
	"Drug preparation ingredients and cannabis seeds",
	"Endangered species and poaching equipment",
	"Pyramid schemes and multi-level marketing",
	"Investment fraud and fake financial assistance",
	"Counterfeit money and documents",
	"Pirated software and illegal media copies",
	"Spam databases and unauthorized mailing services",
	"Personal data databases and surveillance services",
	"Sex services, prostitution, adult entertainment",
	"Pornography and erotic content",
	"Escort services and webcam modeling employment",
	"Wiretapping and covert surveillance equipment",
	"Explosive and pyrotechnic materials",
	"VIN modification and odometer tampering services",
	"Ready-made diplomas, thesis writing, exam cheating aids",
	"Government awards, identity documents, official forms",
	"Occult services (fortune telling, magic, healing)",
}

// OpenAIChecker implements Checker using an OpenAI chat model as the
// classifier. All failure modes fail closed behind ErrUnavailable.
type OpenAIChecker struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewOpenAIChecker(cfg config.ModerationConfig) *OpenAIChecker {
	return &OpenAIChecker{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// CheckPayload classifies a submission against the prohibited-topics policy.
func (c *OpenAIChecker) CheckPayload(ctx context.Context, payload *models.StrategyPayload) (*Decision, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: "Analyze this business description:\n\n" + payload.ModerationText()},
		},
		Temperature: 0.1,
		MaxTokens:   300,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrUnavailable)
	}

	verdict := strings.TrimSpace(parsed.Choices[0].Message.Content)
	var decision Decision
	if err := json.Unmarshal([]byte(verdict), &decision); err != nil {
		slog.Error("moderation verdict not parseable", "verdict", truncate(verdict, 200))
		return nil, fmt.Errorf("%w: invalid verdict", ErrUnavailable)
	}

	if !decision.Allowed {
		slog.Warn("submission blocked by moderation",
			"topics", decision.ViolatedTopics, "reason", decision.Reason, "risk", decision.RiskLevel)
	}
	return &decision, nil
}

func systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a content moderation system for a marketing strategy platform in Kazakhstan.\n\n")
	b.WriteString("Analyze business descriptions and decide whether they involve prohibited topics under Kazakhstan legislation and platform policy.\n\n")
	b.WriteString("PROHIBITED BUSINESS TYPES AND ACTIVITIES:\n")
	for _, t := range prohibitedTopics {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	b.WriteString(`
GUIDELINES:
1. Look for direct and indirect connections to prohibited topics, including euphemisms.
2. Legitimate consulting or educational services about these topics may be allowed.
3. Be extra strict with anything involving minors, weapons, drugs, or financial fraud.

Respond with JSON only, no additional text:
{"is_allowed": true/false, "violated_topics": [], "reason": "brief explanation", "confidence": 0.0-1.0, "risk_level": "low/medium/high"}`)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
