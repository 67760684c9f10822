package storage

import (
	"context"
	"fmt"
	"time"

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

// InsertExecution inserts an execution record into the audit log.
func (db *DB) InsertExecution(ctx context.Context, rec *ExecutionRecord) error {
	query := `
		INSERT INTO executions (id, module_id, tenant, phase, isolation, code_hash,
			status, error, duration_ms, memory_peak_mb, fuel_consumed,
			incident_count, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.ModuleID, rec.Tenant, rec.Phase, rec.Isolation, rec.CodeHash,
		rec.Status, truncateForDB(rec.Error, 4096),
		rec.DurationMS, rec.MemoryPeakMB, rec.FuelConsumed,
		rec.IncidentCount, rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// InsertIncident inserts a security incident record.
func (db *DB) InsertIncident(ctx context.Context, rec *IncidentRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO incidents (id, execution_id, module_id, phase, type,
			threat_level, description, mitigation_action, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.ExecutionID, rec.ModuleID, rec.Phase, rec.Type,
		rec.ThreatLevel, truncateForDB(rec.Description, 4096),
		rec.MitigationAction, rec.Resolved, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting incident: %w", err)
	}
	return nil
}

// MarkResolved flags an incident as reviewed.
func (db *DB) MarkResolved(ctx context.Context, incidentID string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE incidents SET resolved = TRUE WHERE id = $1`, incidentID)
	if err != nil {
		return fmt.Errorf("resolving incident %s: %w", incidentID, err)
	}
	return nil
}

// ListIncidents queries incidents with optional filters.
func (db *DB) ListIncidents(ctx context.Context, filter IncidentFilter) ([]IncidentRecord, error) {
	query := `
		SELECT id, execution_id, module_id, phase, type, threat_level,
			description, mitigation_action, resolved, created_at
		FROM incidents
		WHERE ($1 = '' OR module_id = $1)
		  AND ($2 = '' OR type = $2)
		  AND ($3 = '' OR threat_level = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.ModuleID, filter.Type, filter.ThreatLevel, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}
	defer rows.Close()

	var results []IncidentRecord
	for rows.Next() {
		var rec IncidentRecord
		if err := rows.Scan(
			&rec.ID, &rec.ExecutionID, &rec.ModuleID, &rec.Phase, &rec.Type,
			&rec.ThreatLevel, &rec.Description, &rec.MitigationAction,
			&rec.Resolved, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning incident row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
