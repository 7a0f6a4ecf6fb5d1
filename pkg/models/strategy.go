package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StrategyPayload is the business-data submission. It is validated once at the
// API boundary; everything downstream consumes the validated structure.
type StrategyPayload struct {
	BusinessType       string `json:"business_type"`
	BusinessGoal       string `json:"business_goal"`
	Location           string `json:"location"`
	CurrentVolume      string `json:"current_volume"`
	ProductData        string `json:"product_data"`
	TargetAudienceInfo string `json:"target_audience_info"`
	CompanyName        string `json:"company_name,omitempty"`
	Competitors        string `json:"competitors,omitempty"`
	Actions            string `json:"actions,omitempty"`
	MarketingBudget    string `json:"marketing_budget,omitempty"`
	PromotionBudget    string `json:"promotion_budget,omitempty"`
	TeamBudget         string `json:"team_budget,omitempty"`
}

// Validate checks required fields and normalizes whitespace in place.
func (p *StrategyPayload) Validate() error {
	p.BusinessType = strings.TrimSpace(p.BusinessType)
	p.BusinessGoal = strings.TrimSpace(p.BusinessGoal)
	p.Location = strings.TrimSpace(p.Location)
	p.CurrentVolume = strings.TrimSpace(p.CurrentVolume)
	p.ProductData = strings.TrimSpace(p.ProductData)
	p.TargetAudienceInfo = strings.TrimSpace(p.TargetAudienceInfo)

	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"business_type", p.BusinessType},
		{"business_goal", p.BusinessGoal},
		{"location", p.Location},
		{"product_data", p.ProductData},
		{"target_audience_info", p.TargetAudienceInfo},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return errors.New("missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// ModerationText flattens the payload into the text block the content
// moderation gate analyzes.
func (p *StrategyPayload) ModerationText() string {
	return strings.TrimSpace(fmt.Sprintf(
		"Business Type: %s\nBusiness Goal: %s\nProduct/Service Description: %s\nTarget Audience: %s\nCurrent Business Activities: %s\nPlanned Actions: %s\nCompetitors: %s\nLocation: %s",
		p.BusinessType, p.BusinessGoal, p.ProductData, p.TargetAudienceInfo,
		p.CurrentVolume, p.Actions, p.Competitors, p.Location,
	))
}

// StrategyListItem is the projection returned by the strategy listing endpoint.
type StrategyListItem struct {
	RequestID       string     `json:"request_id"`
	BusinessType    string     `json:"business_type"`
	BusinessGoal    string     `json:"business_goal"`
	Location        string     `json:"location"`
	MarketingBudget string     `json:"marketing_budget,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}
