package budget

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/tokenrouter/gateway/internal/notifications"
	"github.com/tokenrouter/gateway/internal/stats"
)

type captureNotifier struct {
	alerts []notifications.BudgetAlert
}

func (c *captureNotifier) NotifyBudgetAlert(ctx context.Context, alert notifications.BudgetAlert) error {
	c.alerts = append(c.alerts, alert)
	return nil
}

func recordSpend(t *testing.T, store stats.Store, userID string, cost float64) {
	t.Helper()
	err := store.Record(context.Background(), stats.Entry{
		RequestID: "r",
		UserID:    userID,
		Provider:  "p",
		Model:     "p/m",
		CostUSD:   cost,
		Success:   true,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestCheckFiresThresholdsOnce(t *testing.T) {
	store := stats.NewInMemoryStore()
	notifier := &captureNotifier{}
	m := NewMonitor(store, notifier, slog.Default())
	ctx := context.Background()

	m.SetLimit("u1", 10.0)

	recordSpend(t, store, "u1", 5.0)
	m.Check(ctx, "u1")
	if len(notifier.alerts) != 0 {
		t.Fatalf("alert below warning threshold: %+v", notifier.alerts)
	}

	recordSpend(t, store, "u1", 3.5) // 8.5 of 10 = 85%
	m.Check(ctx, "u1")
	if len(notifier.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 at 80%%", len(notifier.alerts))
	}
	if notifier.alerts[0].Fraction < 0.8 || notifier.alerts[0].LimitUSD != 10.0 {
		t.Errorf("alert = %+v", notifier.alerts[0])
	}

	// Re-checking at the same spend must not re-fire.
	m.Check(ctx, "u1")
	if len(notifier.alerts) != 1 {
		t.Fatalf("warning re-fired: %d alerts", len(notifier.alerts))
	}

	recordSpend(t, store, "u1", 1.2) // 9.7 of 10 = 97%
	m.Check(ctx, "u1")
	if len(notifier.alerts) != 2 {
		t.Fatalf("alerts = %d, want 2 after critical threshold", len(notifier.alerts))
	}
}

func TestCheckBothThresholdsInOnePass(t *testing.T) {
	store := stats.NewInMemoryStore()
	notifier := &captureNotifier{}
	m := NewMonitor(store, notifier, slog.Default())

	m.SetLimit("u1", 10.0)
	recordSpend(t, store, "u1", 9.9)
	m.Check(context.Background(), "u1")

	if len(notifier.alerts) != 2 {
		t.Fatalf("alerts = %d, want both thresholds fired", len(notifier.alerts))
	}
}

func TestCheckNoLimitIsUnlimited(t *testing.T) {
	store := stats.NewInMemoryStore()
	notifier := &captureNotifier{}
	m := NewMonitor(store, notifier, slog.Default())

	recordSpend(t, store, "u1", 100000)
	m.Check(context.Background(), "u1")
	if len(notifier.alerts) != 0 {
		t.Errorf("alert fired with no limit configured")
	}
}

func TestRaisingLimitRearmsAlerts(t *testing.T) {
	store := stats.NewInMemoryStore()
	notifier := &captureNotifier{}
	m := NewMonitor(store, notifier, slog.Default())
	ctx := context.Background()

	m.SetLimit("u1", 1.0)
	recordSpend(t, store, "u1", 0.9)
	m.Check(ctx, "u1")
	fired := len(notifier.alerts)
	if fired == 0 {
		t.Fatal("no alert at 90% of limit")
	}

	m.SetLimit("u1", 100.0)
	m.Check(ctx, "u1")
	if len(notifier.alerts) != fired {
		t.Errorf("alert fired under the raised limit")
	}

	recordSpend(t, store, "u1", 95.0)
	m.Check(ctx, "u1")
	if len(notifier.alerts) <= fired {
		t.Errorf("alerts did not re-arm against the new limit")
	}
}
