// Package budget tracks cumulative per-user spend against configured limits
// and fires alerts as usage crosses warning thresholds.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tokenrouter/gateway/internal/notifications"
	"github.com/tokenrouter/gateway/internal/stats"
)

// Alert thresholds as fractions of the user's limit. Each fires at most once
// per user until the limit is raised.
var alertThresholds = []float64{0.8, 0.95}

type Monitor struct {
	store    stats.Store
	notifier notifications.Notifier
	logger   *slog.Logger

	mu     sync.Mutex
	limits map[string]float64
	// highest threshold already fired per user
	fired map[string]float64
}

func NewMonitor(store stats.Store, notifier notifications.Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:    store,
		notifier: notifier,
		logger:   logger,
		limits:   make(map[string]float64),
		fired:    make(map[string]float64),
	}
}

// SetLimit configures a cumulative spend limit for a user. Raising the limit
// resets fired thresholds so alerts re-arm against the new ceiling.
func (m *Monitor) SetLimit(userID string, limitUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[userID] = limitUSD
	delete(m.fired, userID)
}

func (m *Monitor) Limit(userID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit, ok := m.limits[userID]
	return limit, ok
}

// Check compares the user's cumulative spend against their limit and fires
// any newly crossed alert thresholds. A missing limit means unlimited.
func (m *Monitor) Check(ctx context.Context, userID string) error {
	limit, ok := m.Limit(userID)
	if !ok || limit <= 0 {
		return nil
	}

	spent, err := m.store.UserTotalCost(ctx, userID, time.Time{})
	if err != nil {
		m.logger.Warn("budget check failed to read spend", slog.String("user_id", userID), slog.Any("error", err))
		return nil
	}

	fraction := spent / limit
	for _, threshold := range alertThresholds {
		if fraction < threshold {
			break
		}
		if m.alreadyFired(userID, threshold) {
			continue
		}
		m.markFired(userID, threshold)
		alert := notifications.BudgetAlert{
			UserID:    userID,
			SpentUSD:  spent,
			LimitUSD:  limit,
			Fraction:  fraction,
			Timestamp: time.Now().UTC(),
		}
		if err := m.notifier.NotifyBudgetAlert(ctx, alert); err != nil {
			m.logger.Warn("budget alert notify failed", slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	return nil
}

func (m *Monitor) alreadyFired(userID string, threshold float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired[userID] >= threshold
}

func (m *Monitor) markFired(userID string, threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fired[userID] < threshold {
		m.fired[userID] = threshold
	}
}
