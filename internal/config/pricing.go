package config

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/inkwell/backend/internal/models"
)

// PricingConfig drives all cost computation: per-tier generation pricing,
// flat feature pricing, and the USD-to-credits conversion rate.
type PricingConfig struct {
	GenerationCost map[models.Tier]int64
	FeatureCost    map[string]int64
	CreditsPerUSD  float64
	SignupBonus    int64
}

// OpGeneration is the operation name used by the content-generation route.
const OpGeneration = "content_generation"

func LoadPricingConfig() *PricingConfig {
	return &PricingConfig{
		GenerationCost: map[models.Tier]int64{
			models.TierLite:       getEnvAsInt64("PRICING_GENERATION_LITE", 10),
			models.TierPro:        getEnvAsInt64("PRICING_GENERATION_PRO", 8),
			models.TierPremium:    getEnvAsInt64("PRICING_GENERATION_PREMIUM", 5),
			models.TierEnterprise: getEnvAsInt64("PRICING_GENERATION_ENTERPRISE", 3),
		},
		FeatureCost: map[string]int64{
			"tone_rewrite":    getEnvAsInt64("PRICING_FEATURE_TONE_REWRITE", 5),
			"seo_analysis":    getEnvAsInt64("PRICING_FEATURE_SEO_ANALYSIS", 15),
			"bulk_export":     getEnvAsInt64("PRICING_FEATURE_BULK_EXPORT", 25),
			"plagiarism_scan": getEnvAsInt64("PRICING_FEATURE_PLAGIARISM_SCAN", 20),
		},
		CreditsPerUSD: getEnvAsFloat("PRICING_CREDITS_PER_USD", 100),
		SignupBonus:   getEnvAsInt64("PRICING_SIGNUP_BONUS", 25),
	}
}

// CostOf resolves the credit cost of one unit of an operation for a tier.
// Generation is priced per tier; every other operation name is a flat-priced
// feature. Unknown operations are an error, not a default.
func (p *PricingConfig) CostOf(operation string, tier models.Tier) (int64, error) {
	if operation == OpGeneration {
		cost, ok := p.GenerationCost[tier]
		if !ok {
			return 0, fmt.Errorf("no generation cost configured for tier %q", tier)
		}
		return cost, nil
	}
	cost, ok := p.FeatureCost[operation]
	if !ok {
		return 0, fmt.Errorf("unknown operation %q", operation)
	}
	return cost, nil
}

// CreditsForUSD converts a gateway-confirmed USD amount into credits,
// rounding down.
func (p *PricingConfig) CreditsForUSD(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	return int64(math.Floor(usd * p.CreditsPerUSD))
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return defaultVal
}
