// Package perplexity implements the research stage client against the
// Perplexity chat completions API.
package perplexity

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

const maxResearchSources = 20

// Client calls the Perplexity API with bounded retry and response normalization.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	retryDelay time.Duration
	httpClient *http.Client
}

// NewClient creates a research client. retryDelay is the fixed backoff between
// non-rate-limited retries and the base for the 429 exponential backoff.
func NewClient(cfg config.PerplexityConfig, callTimeout, retryDelay time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		retryDelay: retryDelay,
		httpClient: &http.Client{Timeout: callTimeout},
	}
}

type chatRequest struct {
	Model           string    `json:"model"`
	Messages        []message `json:"messages"`
	MaxTokens       int       `json:"max_tokens"`
	Temperature     float64   `json:"temperature"`
	ReturnCitations bool      `json:"return_citations"`
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
	Citations json.RawMessage `json:"citations"`
}

// Research runs deep market research for the payload. All provider-level
// failures come back as an unsuccessful Result, never as a raised error.
func (c *Client) Research(ctx context.Context, requestID string, payload *models.StrategyPayload) ai.Result {
	body, err := json.Marshal(chatRequest{
		Model:           c.model,
		Messages:        []message{{Role: "user", Content: researchPrompt(payload)}},
		MaxTokens:       6000,
		Temperature:     0.1,
		ReturnCitations: true,
	})
	if err != nil {
		return ai.Failure(fmt.Sprintf("encode request: %v", err))
	}

	for attempt := 0; attempt < ai.MaxAttempts; attempt++ {
		last := attempt == ai.MaxAttempts-1

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return ai.Failure(fmt.Sprintf("build request: %v", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			slog.Warn("research request failed", "request_id", requestID, "attempt", attempt+1, "error", err)
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
				slog.Info("research completed", "request_id", requestID, "sources", len(result.Sources))
			}
			return result

		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			wait := ai.RateLimitBackoff(c.retryDelay, attempt)
			slog.Warn("research rate limited", "request_id", requestID, "attempt", attempt+1, "wait", wait)
			if last {
				return ai.Failure(fmt.Sprintf("Research API error: %d", resp.StatusCode))
			}
			ai.Sleep(ctx, wait)

		default:
			resp.Body.Close()
			slog.Error("research API error", "request_id", requestID, "status", resp.StatusCode, "attempt", attempt+1)
			if last {
				return ai.Failure(fmt.Sprintf("Research API error: %d", resp.StatusCode))
			}
			ai.Sleep(ctx, c.retryDelay)
		}
	}

	return ai.Failure("all retry attempts failed")
}

// parse normalizes a 200 response. An unexpected body shape is a non-retryable
// failure: the provider answered, it just did not answer usefully.
func (c *Client) parse(resp *http.Response) ai.Result {
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ai.Failure("malformed response")
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return ai.Failure("malformed response")
	}

	return ai.Result{
		Success: true,
		Content: parsed.Choices[0].Message.Content,
		Sources: extractSources(parsed.Citations),
	}
}

// extractSources pulls citation URLs. The provider has shipped citations both
// as plain strings and as objects with a url field, so both shapes are accepted.
// Only well-formed http(s) links survive, capped at maxResearchSources.
func extractSources(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var urls []string
	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		urls = asStrings
	} else {
		var asObjects []struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &asObjects); err != nil {
			return nil
		}
		for _, c := range asObjects {
			urls = append(urls, c.URL)
		}
	}

	var sources []string
	for _, u := range urls {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		sources = append(sources, u)
		if len(sources) == maxResearchSources {
			break
		}
	}
	return sources
}

func researchPrompt(p *models.StrategyPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conduct comprehensive deep market research for this business opportunity:\n\n")
	fmt.Fprintf(&b, "BUSINESS CONTEXT:\n")
	fmt.Fprintf(&b, "- Business type: %s\n", p.BusinessType)
	fmt.Fprintf(&b, "- Business goal: %s\n", p.BusinessGoal)
	fmt.Fprintf(&b, "- Product/service: %s\n", p.ProductData)
	fmt.Fprintf(&b, "- Target audience: %s\n", p.TargetAudienceInfo)
	fmt.Fprintf(&b, "- Geographic focus: %s\n", p.Location)
	if p.CurrentVolume != "" {
		fmt.Fprintf(&b, "- Current volume: %s\n", p.CurrentVolume)
	}
	if p.Competitors != "" {
		fmt.Fprintf(&b, "- Known competitors: %s\n", p.Competitors)
	}
	if p.PromotionBudget != "" {
		fmt.Fprintf(&b, "- Promotion budget: %s\n", p.PromotionBudget)
	}
	if p.TeamBudget != "" {
		fmt.Fprintf(&b, "- Team budget: %s\n", p.TeamBudget)
	}
	b.WriteString(`
REQUIRED RESEARCH AREAS:

1. Market landscape: current size, growth projections, segmentation, and geographic variations.
2. Competitive intelligence: direct and indirect competitors, pricing, positioning, and white space.
3. Customer behavior: journey mapping, decision triggers, pain points, channel preferences.
4. Channel effectiveness: acquisition-cost benchmarks and ROI expectations per channel.
5. Regulatory constraints affecting marketing in this industry and location.
6. Technology trends and adoption rates among the target audience.

Provide data-driven insights with specific metrics, statistics, and credible sources for each area.`)
	return b.String()
}
