package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution record into the audit log.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, description, code_hash, risk_tier, outcome,
			succeeded, error_message, output_lines, duration_ms, poll_attempts,
			trigger_forced, cleanup_failed, request_ip, run_as_user, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID,
		truncateForDB(exec.Description, 1024),
		exec.CodeHash, exec.RiskTier, exec.Outcome,
		exec.Succeeded,
		truncateForDB(exec.ErrorMessage, 65535),
		exec.OutputLines, exec.DurationMS, exec.PollAttempts,
		exec.TriggerForced, exec.CleanupFailed,
		exec.RequestIP, exec.RunAsUser,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// LogRiskEvent inserts a risk-scan finding.
func (db *DB) LogRiskEvent(ctx context.Context, event *RiskEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO risk_events (id, execution_id, kind, matched_text, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := db.pool.Exec(ctx, query,
		event.ID, event.ExecutionID, event.Kind,
		truncateForDB(event.MatchedText, 1024), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting risk event: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, description, code_hash, risk_tier, outcome,
			succeeded, error_message, output_lines, duration_ms, poll_attempts,
			trigger_forced, cleanup_failed, request_ip, run_as_user, created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.Description, &exec.CodeHash, &exec.RiskTier, &exec.Outcome,
		&exec.Succeeded, &exec.ErrorMessage, &exec.OutputLines,
		&exec.DurationMS, &exec.PollAttempts,
		&exec.TriggerForced, &exec.CleanupFailed,
		&exec.RequestIP, &exec.RunAsUser,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, description, code_hash, risk_tier, outcome,
			succeeded, duration_ms, poll_attempts, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR outcome = $1)
		  AND ($2 = '' OR risk_tier = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Outcome, filter.RiskTier, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Description, &exec.CodeHash, &exec.RiskTier, &exec.Outcome,
			&exec.Succeeded, &exec.DurationMS, &exec.PollAttempts,
			&exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
