// Package anthropic implements the strategy synthesis stage client against the
// Anthropic messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/abdusss111/marbix-service/internal/ai"
	"github.com/abdusss111/marbix-service/internal/config"
	"github.com/abdusss111/marbix-service/pkg/models"
)

const apiVersion = "2023-06-01"

// Client calls the Anthropic API with bounded retry and response normalization.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	retryDelay time.Duration
	httpClient *http.Client
}

func NewClient(cfg config.AnthropicConfig, callTimeout, retryDelay time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		retryDelay: retryDelay,
		httpClient: &http.Client{Timeout: callTimeout},
	}
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Generate synthesizes the final marketing strategy from the submission and
// the research stage output.
func (c *Client) Generate(ctx context.Context, requestID string, payload *models.StrategyPayload, researchContent string, sources []string) ai.Result {
	body, err := json.Marshal(messagesRequest{
		Model:       c.model,
		MaxTokens:   6000,
		Temperature: 0.3,
		Messages:    []message{{Role: "user", Content: strategyPrompt(payload, researchContent, sources)}},
	})
	if err != nil {
		return ai.Failure(fmt.Sprintf("encode request: %v", err))
	}

	for attempt := 0; attempt < ai.MaxAttempts; attempt++ {
		last := attempt == ai.MaxAttempts-1

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return ai.Failure(fmt.Sprintf("build request: %v", err))
		}
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", apiVersion)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			slog.Warn("strategy request failed", "request_id", requestID, "attempt", attempt+1, "error", err)
			if last {
				return ai.Failure("request timeout after all retries")
			}
			ai.Sleep(ctx, c.retryDelay)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			result := c.parse(resp)
			resp.Body.Close()
			if result.Success {
				slog.Info("strategy generated", "request_id", requestID, "length", len(result.Content))
			}
			return result

		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			wait := ai.RateLimitBackoff(c.retryDelay, attempt)
			slog.Warn("strategy rate limited", "request_id", requestID, "attempt", attempt+1, "wait", wait)
			if last {
				return ai.Failure(fmt.Sprintf("Strategy generation API error: %d", resp.StatusCode))
			}
			ai.Sleep(ctx, wait)

		default:
			resp.Body.Close()
			slog.Error("strategy API error", "request_id", requestID, "status", resp.StatusCode, "attempt", attempt+1)
			if last {
				return ai.Failure(fmt.Sprintf("Strategy generation API error: %d", resp.StatusCode))
			}
			ai.Sleep(ctx, c.retryDelay)
		}
	}

	return ai.Failure("all retry attempts failed")
}

func (c *Client) parse(resp *http.Response) ai.Result {
	var parsed messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ai.Failure("malformed response")
	}
	if len(parsed.Content) == 0 || parsed.Content[0].Text == "" {
		return ai.Failure("malformed response")
	}
	return ai.Result{Success: true, Content: parsed.Content[0].Text}
}

func strategyPrompt(p *models.StrategyPayload, researchContent string, sources []string) string {
	var b strings.Builder
	b.WriteString("Based on the market research provided, create an executive-level marketing strategy for this business.\n\n")
	fmt.Fprintf(&b, "BUSINESS OVERVIEW:\n")
	fmt.Fprintf(&b, "- Business type: %s\n", p.BusinessType)
	fmt.Fprintf(&b, "- Business goal: %s\n", p.BusinessGoal)
	fmt.Fprintf(&b, "- Product/service: %s\n", p.ProductData)
	fmt.Fprintf(&b, "- Target audience: %s\n", p.TargetAudienceInfo)
	fmt.Fprintf(&b, "- Location: %s\n", p.Location)
	if p.MarketingBudget != "" {
		fmt.Fprintf(&b, "- Marketing budget: %s\n", p.MarketingBudget)
	}
	if p.Actions != "" {
		fmt.Fprintf(&b, "- Current marketing: %s\n", p.Actions)
	}

	b.WriteString("\nMARKET RESEARCH:\n")
	b.WriteString(researchContent)

	if len(sources) > 0 {
		b.WriteString("\n\nSOURCES:\n")
		b.WriteString(strings.Join(sources, "\n"))
	}

	b.WriteString(`

Structure the response as a complete marketing strategy document with sections for:
executive summary, market opportunity analysis, target audience strategy, brand
positioning and value proposition, marketing mix, channel strategy with budget
allocation, digital marketing blueprint, implementation roadmap (90-day quick
wins through 12-month initiatives), ROI projection, risk mitigation, and success
metrics. Make every recommendation specific, actionable, and backed by the
research data.`)
	return b.String()
}
