// Package router implements smart model selection: intent and difficulty
// classification of the conversation, candidate ranking under budget and
// preference constraints, and fallback-chain derivation.
//
// Routing is a deterministic pipeline: identical inputs against an unchanged
// registry always produce the identical decision.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tokenrouter/gateway/internal/domain"
	"github.com/tokenrouter/gateway/internal/intent"
	"github.com/tokenrouter/gateway/internal/registry"
)

var intentDifficulty = map[string]domain.Difficulty{
	"research":  domain.DifficultyComplex,
	"analyze":   domain.DifficultyComplex,
	"implement": domain.DifficultyMedium,
}

var simpleKeywords = []string{
	"translate", "summarize", "summary", "explain", "define", "what is",
	"hello", "hi", "hey", "thanks", "help", "faq", "list", "how to",
}

var complexKeywords = []string{
	"architecture", "design", "optimize", "refactor", "debug", "security",
	"implement complex", "multi-step", "reasoning", "prove", "analyze deeply",
	"compare and contrast", "trade-off", "system design",
}

const (
	defaultIntent     = "implement"
	defaultConfidence = 0.5
	// Below this, the detected intent is not trusted and keyword analysis
	// decides the difficulty instead.
	confidenceFloor = 0.6

	degradedCandidates = 3
)

type Router struct {
	registry *registry.Registry
	detector intent.Detector
}

func New(reg *registry.Registry, detector intent.Detector) *Router {
	return &Router{registry: reg, detector: detector}
}

type Constraints struct {
	BudgetCap *float64
	Prefer    string
}

// Route produces a ranked candidate list and a fallback chain for the
// conversation under the given constraints.
func (r *Router) Route(ctx context.Context, messages []domain.Message, c Constraints) domain.RoutingDecision {
	userText := lastUserText(messages)

	intentName := defaultIntent
	confidence := defaultConfidence
	if res := r.detector.Detect(ctx, userText); res.Available {
		intentName = res.Intent
		confidence = res.Confidence
	}

	difficulty, ok := intentDifficulty[intentName]
	if !ok {
		difficulty = domain.DifficultyMedium
	}
	if confidence < confidenceFloor {
		difficulty = classifyByKeywords(userText)
	}

	candidates := r.registry.ModelsByDifficulty(difficulty)

	if c.BudgetCap != nil {
		affordable := r.registry.SelectByBudget(*c.BudgetCap, 1000, 500)
		within := intersect(candidates, affordable)
		if len(within) == 0 {
			// Degraded but never empty: the globally cheapest models.
			within = r.registry.Cheapest(degradedCandidates)
		}
		candidates = within
	}

	r.applyPreference(candidates, c.Prefer)

	return domain.RoutingDecision{
		Difficulty:    difficulty,
		Intent:        intentName,
		Confidence:    confidence,
		Candidates:    candidates,
		FallbackChain: r.registry.FallbackChain(strategyFor(c.Prefer, difficulty)),
	}
}

// BuildResponse converts a decision into the /v1/route payload with the top
// three recommendations.
func (r *Router) BuildResponse(decision domain.RoutingDecision) domain.RouteResponse {
	var recs []domain.ModelRecommendation
	for _, id := range decision.Candidates {
		if len(recs) == 3 {
			break
		}
		info, ok := r.registry.ModelInfo(id)
		if !ok {
			continue
		}
		recs = append(recs, domain.ModelRecommendation{
			Model:         id,
			Provider:      info.Provider,
			Reason:        recommendationReason(decision.Difficulty, info, r.registry.ReferenceCost(id)),
			EstimatedCost: r.registry.ReferenceCost(id),
			QualityTier:   info.QualityTier,
		})
	}

	return domain.RouteResponse{
		Intent:          decision.Intent,
		Confidence:      decision.Confidence,
		Difficulty:      decision.Difficulty,
		Recommendations: recs,
		FallbackChain:   decision.FallbackChain,
	}
}

func (r *Router) applyPreference(candidates []string, prefer string) {
	switch prefer {
	case domain.PreferSpeed:
		// Groq serves the lowest-latency inference of the registered
		// providers.
		sort.SliceStable(candidates, func(i, j int) bool {
			return speedRank(candidates[i]) < speedRank(candidates[j])
		})
	case domain.PreferQuality:
		sort.SliceStable(candidates, func(i, j int) bool {
			return r.qualityTier(candidates[i]) < r.qualityTier(candidates[j])
		})
	case domain.PreferCost:
		sort.SliceStable(candidates, func(i, j int) bool {
			return r.registry.ReferenceCost(candidates[i]) < r.registry.ReferenceCost(candidates[j])
		})
	}
}

func (r *Router) qualityTier(id string) int {
	if info, ok := r.registry.ModelInfo(id); ok {
		return info.QualityTier
	}
	return 9
}

func speedRank(id string) int {
	if strings.HasPrefix(id, "groq/") {
		return 0
	}
	return 1
}

func strategyFor(prefer string, difficulty domain.Difficulty) domain.Strategy {
	switch prefer {
	case domain.PreferQuality, "":
		if difficulty == domain.DifficultyComplex {
			return domain.StrategyQuality
		}
		return domain.StrategyBalanced
	default:
		return domain.StrategyEconomy
	}
}

func classifyByKeywords(text string) domain.Difficulty {
	lower := strings.ToLower(text)
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			return domain.DifficultyComplex
		}
	}
	for _, kw := range simpleKeywords {
		if strings.Contains(lower, kw) {
			return domain.DifficultySimple
		}
	}
	return domain.DifficultyMedium
}

func lastUserText(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func intersect(ordered, allowed []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	var out []string
	for _, id := range ordered {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func recommendationReason(difficulty domain.Difficulty, info domain.ModelInfo, refCost float64) string {
	switch difficulty {
	case domain.DifficultySimple:
		return fmt.Sprintf("Fast and cost-effective for simple tasks ($%.2f/1K req)", refCost*1000)
	case domain.DifficultyComplex:
		return fmt.Sprintf("High quality for complex reasoning (tier %d)", info.QualityTier)
	default:
		return fmt.Sprintf("Balanced quality/cost for standard tasks (tier %d)", info.QualityTier)
	}
}
