package ruledb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditSink implements AuditSink over a Postgres connection
// pool, adapted from control_plane/store/postgres.go's PostgresStore:
// a pooled connection with conservative limits, one INSERT per
// recorded event, no read path since nothing in this domain ever
// queries the audit trail back out at runtime.
type PostgresAuditSink struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditSink opens a connection pool to connString and
// verifies it with a Ping, the same fail-fast shape as
// NewPostgresStore. Callers are expected to have already created the
// admission_log and recharge_log tables.
func NewPostgresAuditSink(ctx context.Context, connString string) (*PostgresAuditSink, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresAuditSink{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresAuditSink) Close() {
	s.pool.Close()
}

func (s *PostgresAuditSink) RecordAdmission(ctx context.Context, rec AdmissionRecord) error {
	query := `
		INSERT INTO admission_log (server_id, uid, gid, outcome, error_code, approved_q_us, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ServerID, rec.UID, rec.GID, string(rec.Outcome), int(rec.ErrorCode), rec.ApprovedQ, rec.Timestamp,
	)
	return err
}

func (s *PostgresAuditSink) RecordRecharge(ctx context.Context, rec RechargeRecord) error {
	query := `
		INSERT INTO recharge_log (server_id, new_deadline_us, recorded_at)
		VALUES ($1, $2, $3)
	`
	_, err := s.pool.Exec(ctx, query, rec.ServerID, rec.NewDeadline, rec.Timestamp)
	return err
}
