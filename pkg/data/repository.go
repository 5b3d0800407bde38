package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository defines the interface for broadcast-history persistence.
// The engine core never reads this store for decisions; it is
// write-behind observability only.
type Repository interface {
	SaveBroadcast(ctx context.Context, record *BroadcastRecord) error
	GetBroadcast(ctx context.Context, id string) (*BroadcastRecord, error)
	ListBroadcasts(ctx context.Context, filter BroadcastFilter) ([]*BroadcastRecord, error)

	SaveAttempts(ctx context.Context, attempts []*AttemptRecord) error
	GetAttemptsByBroadcast(ctx context.Context, broadcastID string) ([]*AttemptRecord, error)

	// UpdateConfirmation records the monitor's terminal verdict for a
	// transaction hash.
	UpdateConfirmation(ctx context.Context, txHash string, status string, confirmations int) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository connects, applies the schema, and returns the
// repository.
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	repo := &PostgresRepository{pool: pool, logger: logger}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return repo, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// SaveBroadcast inserts one broadcast summary.
func (r *PostgresRepository) SaveBroadcast(ctx context.Context, record *BroadcastRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO broadcasts
			(id, tx_hash, chain_id, strategy, state, successful_count,
			 failed_count, total_attempts, agreement, duration_ms, warnings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		record.ID, record.TxHash, record.ChainID, record.Strategy, record.State,
		record.SuccessfulCount, record.FailedCount, record.TotalAttempts,
		record.Agreement, record.DurationMs, record.Warnings, record.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("saving broadcast: %w", err)
	}
	return nil
}

// GetBroadcast fetches one broadcast summary by id.
func (r *PostgresRepository) GetBroadcast(ctx context.Context, id string) (*BroadcastRecord, error) {
	record := &BroadcastRecord{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, tx_hash, chain_id, strategy, state, successful_count,
		       failed_count, total_attempts, agreement, duration_ms, warnings, created_at,
		       confirmation_status, confirmations
		FROM broadcasts WHERE id = $1`, id,
	).Scan(
		&record.ID, &record.TxHash, &record.ChainID, &record.Strategy, &record.State,
		&record.SuccessfulCount, &record.FailedCount, &record.TotalAttempts,
		&record.Agreement, &record.DurationMs, &record.Warnings, &record.CreatedAt,
		&record.ConfirmationStatus, &record.Confirmations,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting broadcast: %w", err)
	}
	return record, nil
}

// ListBroadcasts fetches summaries matching the filter, newest first.
func (r *PostgresRepository) ListBroadcasts(ctx context.Context, filter BroadcastFilter) ([]*BroadcastRecord, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, ErrInvalidFilter
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	query := `
		SELECT id, tx_hash, chain_id, strategy, state, successful_count,
		       failed_count, total_attempts, agreement, duration_ms, warnings, created_at,
		       confirmation_status, confirmations
		FROM broadcasts WHERE 1=1`
	args := []interface{}{}
	argn := 0

	addArg := func(clause string, value interface{}) {
		argn++
		query += fmt.Sprintf(" AND %s $%d", clause, argn)
		args = append(args, value)
	}
	if filter.TxHash != "" {
		addArg("tx_hash =", filter.TxHash)
	}
	if filter.State != "" {
		addArg("state =", filter.State)
	}
	if filter.Strategy != "" {
		addArg("strategy =", filter.Strategy)
	}
	if filter.FromTime != nil {
		addArg("created_at >=", *filter.FromTime)
	}
	if filter.ToTime != nil {
		addArg("created_at <=", *filter.ToTime)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argn+1, argn+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing broadcasts: %w", err)
	}
	defer rows.Close()

	var records []*BroadcastRecord
	for rows.Next() {
		record := &BroadcastRecord{}
		if err := rows.Scan(
			&record.ID, &record.TxHash, &record.ChainID, &record.Strategy, &record.State,
			&record.SuccessfulCount, &record.FailedCount, &record.TotalAttempts,
			&record.Agreement, &record.DurationMs, &record.Warnings, &record.CreatedAt,
			&record.ConfirmationStatus, &record.Confirmations,
		); err != nil {
			return nil, fmt.Errorf("scanning broadcast: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// SaveAttempts inserts the per-provider attempts of one broadcast.
func (r *PostgresRepository) SaveAttempts(ctx context.Context, attempts []*AttemptRecord) error {
	if len(attempts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range attempts {
		batch.Queue(`
			INSERT INTO broadcast_attempts
				(id, broadcast_id, provider_id, success, error_category,
				 error_message, response_time_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, a.BroadcastID, a.ProviderID, a.Success, a.ErrorCategory,
			a.ErrorMessage, a.ResponseTimeMs, a.CreatedAt,
		)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range attempts {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("saving attempts: %w", err)
		}
	}
	return nil
}

// GetAttemptsByBroadcast fetches every attempt of one broadcast.
func (r *PostgresRepository) GetAttemptsByBroadcast(ctx context.Context, broadcastID string) ([]*AttemptRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, broadcast_id, provider_id, success, error_category,
		       error_message, response_time_ms, created_at
		FROM broadcast_attempts WHERE broadcast_id = $1
		ORDER BY created_at`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("getting attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*AttemptRecord
	for rows.Next() {
		a := &AttemptRecord{}
		if err := rows.Scan(
			&a.ID, &a.BroadcastID, &a.ProviderID, &a.Success, &a.ErrorCategory,
			&a.ErrorMessage, &a.ResponseTimeMs, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// UpdateConfirmation records the monitor's terminal verdict.
func (r *PostgresRepository) UpdateConfirmation(ctx context.Context, txHash string, status string, confirmations int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE broadcasts
		SET confirmation_status = $2, confirmations = $3
		WHERE tx_hash = $1`, txHash, status, confirmations)
	if err != nil {
		return fmt.Errorf("updating confirmation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// 23505 is PostgreSQL's unique_violation code.
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}
