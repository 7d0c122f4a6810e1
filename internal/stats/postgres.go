package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tokenrouter/gateway/internal/domain"
)

// PostgresStore persists usage entries for multi-instance deployments.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, entry Entry) error {
	query := `
		INSERT INTO usage_entries (request_id, user_id, provider, model, input_tokens, output_tokens, cost_usd, latency_ms, success, error_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.RequestID,
		entry.UserID,
		entry.Provider,
		entry.Model,
		entry.InputTokens,
		entry.OutputTokens,
		entry.CostUSD,
		entry.LatencyMs,
		entry.Success,
		entry.ErrorType,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) (domain.StatsResponse, error) {
	var resp domain.StatsResponse

	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(input_tokens + output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(AVG(latency_ms), 0),
		       COUNT(*) FILTER (WHERE NOT success)
		FROM usage_entries
	`
	if err := s.db.QueryRowContext(ctx, query).Scan(
		&resp.TotalRequests,
		&resp.TotalTokens,
		&resp.TotalCostUSD,
		&resp.AvgLatencyMs,
		&resp.Failures,
	); err != nil {
		return resp, fmt.Errorf("query totals: %w", err)
	}

	resp.RequestsByProvider = make(map[string]int64)
	resp.RequestsByModel = make(map[string]int64)

	rows, err := s.db.QueryContext(ctx, `SELECT provider, model, COUNT(*) FROM usage_entries GROUP BY provider, model`)
	if err != nil {
		return resp, fmt.Errorf("query breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var provider, model string
		var count int64
		if err := rows.Scan(&provider, &model, &count); err != nil {
			return resp, fmt.Errorf("scan breakdown: %w", err)
		}
		if provider != "" {
			resp.RequestsByProvider[provider] += count
		}
		if model != "" {
			resp.RequestsByModel[model] += count
		}
	}

	return resp, rows.Err()
}

func (s *PostgresStore) UserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_entries
		WHERE user_id = $1 AND created_at >= $2
	`

	var total float64
	if err := s.db.QueryRowContext(ctx, query, userID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query user cost: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*InMemoryStore)(nil)
)
