// Package registry holds the process-wide model catalog and the static
// routing tables derived from it. A Registry is populated once at startup and
// read-only afterwards, so request handlers share it without locking.
package registry

import (
	"sort"

	"github.com/tokenrouter/gateway/internal/domain"
	"github.com/tokenrouter/gateway/internal/provider"
)

// Candidate buckets per difficulty, ordered by preference. Tuned for the
// cost/quality tier each bucket targets.
var difficultyRouting = map[domain.Difficulty][]string{
	domain.DifficultySimple:  {"groq/llama-3.3-70b", "deepseek/deepseek-v3", "groq/mixtral-8x7b"},
	domain.DifficultyMedium:  {"openai/gpt-4o-mini", "anthropic/claude-haiku", "google/gemini-2.5-flash"},
	domain.DifficultyComplex: {"openai/gpt-4o", "anthropic/claude-sonnet", "google/gemini-2.5-pro"},
}

var fallbackChains = map[domain.Strategy][]string{
	domain.StrategyQuality:  {"anthropic/claude-sonnet", "openai/gpt-4o", "google/gemini-2.5-pro", "deepseek/deepseek-r1"},
	domain.StrategyBalanced: {"openai/gpt-4o-mini", "anthropic/claude-haiku", "groq/llama-3.3-70b", "deepseek/deepseek-v3"},
	domain.StrategyEconomy:  {"groq/mixtral-8x7b", "groq/llama-3.3-70b", "deepseek/deepseek-v3", "google/gemini-2.5-flash"},
}

// Reference token counts used when comparing models by cost.
const (
	refInputTokens  = 1000
	refOutputTokens = 500
)

type Registry struct {
	adapters map[string]provider.Adapter
	models   map[string]domain.ModelInfo
	order    []string
}

func New() *Registry {
	return &Registry{
		adapters: make(map[string]provider.Adapter),
		models:   make(map[string]domain.ModelInfo),
	}
}

// Register adds an adapter and its catalog entries. Call only during startup
// wiring; the registry is shared unlocked afterwards.
func (r *Registry) Register(a provider.Adapter) {
	r.adapters[a.Name()] = a
	for _, m := range a.Models() {
		if _, exists := r.models[m.ID]; !exists {
			r.order = append(r.order, m.ID)
		}
		r.models[m.ID] = m
	}
}

// Resolve parses a "provider/name" id and returns the registered adapter and
// the bare catalog model name. An id whose provider segment has no adapter is
// an InvalidModelError.
func (r *Registry) Resolve(modelID string) (provider.Adapter, string, error) {
	providerName, name, err := domain.SplitModelID(modelID)
	if err != nil {
		return nil, "", &domain.InvalidModelError{Model: modelID}
	}
	adapter, ok := r.adapters[providerName]
	if !ok {
		return nil, "", &domain.InvalidModelError{Model: modelID}
	}
	return adapter, name, nil
}

func (r *Registry) Adapter(providerName string) (provider.Adapter, bool) {
	a, ok := r.adapters[providerName]
	return a, ok
}

func (r *Registry) ModelInfo(modelID string) (domain.ModelInfo, bool) {
	m, ok := r.models[modelID]
	return m, ok
}

// List returns all catalog entries whose provider is registered, in
// registration order.
func (r *Registry) List() []domain.ModelInfo {
	out := make([]domain.ModelInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

func (r *Registry) ModelsByDifficulty(d domain.Difficulty) []string {
	bucket, ok := difficultyRouting[d]
	if !ok {
		bucket = difficultyRouting[domain.DifficultyMedium]
	}
	return append([]string(nil), bucket...)
}

// FallbackChain returns the strategy's chain restricted to models whose
// provider is registered. An empty restriction degrades to the cheapest
// registered models so the chain is never empty.
func (r *Registry) FallbackChain(s domain.Strategy) []string {
	chain, ok := fallbackChains[s]
	if !ok {
		chain = fallbackChains[domain.StrategyBalanced]
	}
	out := make([]string, 0, len(chain))
	for _, id := range chain {
		if _, ok := r.models[id]; ok {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		out = r.Cheapest(len(chain))
	}
	return out
}

// EstimateCost returns the USD cost of a call, zero for unknown models.
// It is monotonically non-decreasing in both token counts.
func (r *Registry) EstimateCost(modelID string, inputTokens, outputTokens int) float64 {
	m, ok := r.models[modelID]
	if !ok {
		return 0
	}
	return m.Pricing.Estimate(inputTokens, outputTokens)
}

// SelectByBudget returns the ids whose estimated cost at the given token
// counts fits the cap, sorted by quality tier then cost.
func (r *Registry) SelectByBudget(capUSD float64, inputTokens, outputTokens int) []string {
	type entry struct {
		tier int
		cost float64
		id   string
	}
	var affordable []entry
	for _, id := range r.order {
		m := r.models[id]
		cost := m.Pricing.Estimate(inputTokens, outputTokens)
		if cost <= capUSD {
			affordable = append(affordable, entry{m.QualityTier, cost, id})
		}
	}
	sort.Slice(affordable, func(i, j int) bool {
		if affordable[i].tier != affordable[j].tier {
			return affordable[i].tier < affordable[j].tier
		}
		if affordable[i].cost != affordable[j].cost {
			return affordable[i].cost < affordable[j].cost
		}
		return affordable[i].id < affordable[j].id
	})
	ids := make([]string, len(affordable))
	for i, e := range affordable {
		ids[i] = e.id
	}
	return ids
}

// Cheapest returns the n globally cheapest models at the reference token
// counts, ignoring difficulty. It backs the degraded-but-never-empty
// guarantee when no candidate fits a budget cap.
func (r *Registry) Cheapest(n int) []string {
	type entry struct {
		cost float64
		id   string
	}
	all := make([]entry, 0, len(r.order))
	for _, id := range r.order {
		all = append(all, entry{r.models[id].Pricing.Estimate(refInputTokens, refOutputTokens), id})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].cost != all[j].cost {
			return all[i].cost < all[j].cost
		}
		return all[i].id < all[j].id
	})
	if n > len(all) {
		n = len(all)
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = all[i].id
	}
	return ids
}

// ReferenceCost is the comparison cost used for preference sorting and
// recommendations.
func (r *Registry) ReferenceCost(modelID string) float64 {
	return r.EstimateCost(modelID, refInputTokens, refOutputTokens)
}
