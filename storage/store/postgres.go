package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"notary/config"
	"notary/internal/gas"
	"notary/internal/hashing"
	"notary/internal/notaryerr"
)

//go:embed schema.sql
var schemaSQL string

// Advisory lock namespaces. Writer locks are session-scoped and held across chain
// calls; row locks are transaction-scoped and guard a single read-check-write.
const (
	writerLockSpace = 7101
	rowLockSpace    = 7102
)

const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ Store = (*PostgresStore)(nil)

// dbtx is the part of a pool or a single pooled connection the store queries through
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	BeginFunc(ctx context.Context, f func(pgx.Tx) error) error
}

var (
	_ dbtx = (*pgxpool.Pool)(nil)
	_ dbtx = (*pgxpool.Conn)(nil)
)

type lockedConnKey struct{}

// db returns the connection WithLock holds for ctx, or the pool. Store calls made
// under a writer lock run on the lock's connection and never wait on the pool.
func (s *PostgresStore) db(ctx context.Context) dbtx {
	if conn, ok := ctx.Value(lockedConnKey{}).(*pgxpool.Conn); ok {
		return conn
	}
	return s.pool
}

// NewPostgresStore connects to cfg.DSN and, when cfg.Migrate is set, applies the schema.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	idle, lifetime := cfg.Durations()
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MinConns = int32(cfg.MinConnections)
	poolCfg.MaxConnIdleTime = idle
	poolCfg.MaxConnLifetime = lifetime
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger.With().Str("component", "store").Logger()}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	s.logger.Info().Int32("max_conns", poolCfg.MaxConns).Int32("min_conns", poolCfg.MinConns).Msg("status store connected")
	return s, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info().Msg("schema applied")
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) PutQuote(ctx context.Context, q *Quote) error {
	if q == nil || q.RunID == "" {
		return notaryerr.New(notaryerr.KindInput, "quote requires a run_id")
	}
	docs, err := json.Marshal(q.Documents)
	if err != nil {
		return fmt.Errorf("failed to encode quote documents: %w", err)
	}
	var release []byte
	if q.Release != nil {
		if release, err = json.Marshal(q.Release); err != nil {
			return fmt.Errorf("failed to encode release: %w", err)
		}
	}
	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db(ctx).Exec(ctx, `
INSERT INTO notary_quotes (run_id, merkle_root, operation, leaf_count, documents, audit_payload, audit_commitment, release, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id, merkle_root) DO UPDATE SET created_at = EXCLUDED.created_at`,
		q.RunID, q.MerkleRoot.Hex(), string(q.Operation), q.LeafCount, docs, nullableJSON(q.AuditPayload),
		q.AuditCommitment.Hex(), nullableJSON(release), createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert quote for run %s: %w", q.RunID, err)
	}
	return nil
}

const quoteColumns = `run_id, merkle_root, operation, leaf_count, documents, audit_payload, audit_commitment, release, created_at`

func (s *PostgresStore) GetQuote(ctx context.Context, runID string) (*Quote, error) {
	row := s.db(ctx).QueryRow(ctx, `SELECT `+quoteColumns+` FROM notary_quotes WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`, runID)
	q, err := scanQuote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notaryerr.Newf(notaryerr.KindNotFound, "no quote for run %q", runID)
	}
	return q, err
}

func (s *PostgresStore) GetQuoteByRoot(ctx context.Context, runID string, root common.Hash) (*Quote, error) {
	row := s.db(ctx).QueryRow(ctx, `SELECT `+quoteColumns+` FROM notary_quotes WHERE run_id = $1 AND merkle_root = $2`, runID, root.Hex())
	q, err := scanQuote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notaryerr.Newf(notaryerr.KindNotFound, "no quote for run %q with root %s", runID, root.Hex())
	}
	return q, err
}

func scanQuote(row pgx.Row) (*Quote, error) {
	var (
		q                      Quote
		root, commitment, op   string
		docs, payload, release []byte
	)
	if err := row.Scan(&q.RunID, &root, &op, &q.LeafCount, &docs, &payload, &commitment, &release, &q.CreatedAt); err != nil {
		return nil, err
	}
	q.MerkleRoot = common.HexToHash(root)
	q.AuditCommitment = common.HexToHash(commitment)
	q.Operation = gas.Operation(op)
	if err := json.Unmarshal(docs, &q.Documents); err != nil {
		return nil, fmt.Errorf("failed to decode quote documents: %w", err)
	}
	if len(payload) > 0 {
		q.AuditPayload = json.RawMessage(payload)
	}
	if len(release) > 0 {
		q.Release = &Release{}
		if err := json.Unmarshal(release, q.Release); err != nil {
			return nil, fmt.Errorf("failed to decode release: %w", err)
		}
	}
	if q.Documents == nil {
		q.Documents = []hashing.DocumentDigest{}
	}
	return &q, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	if rec == nil || rec.RunID == "" || rec.ChainID == 0 {
		return notaryerr.New(notaryerr.KindInput, "record requires run_id and chain_id")
	}
	return s.db(ctx).BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := lockRow(ctx, tx, rec.RunID, rec.ChainID); err != nil {
			return err
		}
		cur, err := latest(ctx, tx, rec.RunID, rec.ChainID)
		switch {
		case err == nil:
			if !cur.Status.Terminal() {
				return notaryerr.Newf(notaryerr.KindConflict, "attempt %d for %s is still %s", cur.Attempt, lockKey(rec.RunID, rec.ChainID), cur.Status)
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}

		estimate, err := json.Marshal(rec.Estimate)
		if err != nil {
			return fmt.Errorf("failed to encode estimate: %w", err)
		}
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err = tx.Exec(ctx, `
INSERT INTO notary_records (run_id, chain_id, attempt, network_key, operation, merkle_root, tx_hash, block_number,
    contract_address, gas_used, confirmation_count, audit_commit_included, payload_size, status, estimate,
    actual_cost_wei, failure_kind, failure_reason, created_at, submitted_at, updated_at, confirmed_at, raw_tx)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, clock_timestamp(), $21, $22)`,
			rec.RunID, int64(rec.ChainID), rec.Attempt, rec.NetworkKey, string(rec.Operation), rec.MerkleRoot.Hex(),
			rec.TxHash, int64(rec.BlockNumber), rec.ContractAddress, int64(rec.GasUsed), int64(rec.ConfirmationCount),
			rec.AuditCommitIncluded, rec.PayloadSize, string(rec.Status), estimate, rec.ActualCostWei,
			string(rec.FailureKind), rec.FailureReason, createdAt, rec.SubmittedAt, rec.ConfirmedAt, rec.RawTx)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return notaryerr.Newf(notaryerr.KindConflict, "attempt %d already exists for %s", rec.Attempt, lockKey(rec.RunID, rec.ChainID))
			}
			return fmt.Errorf("failed to insert record: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, runID string, chainID uint64) (*Record, error) {
	return latest(ctx, s.db(ctx), runID, chainID)
}

func (s *PostgresStore) GetAttempt(ctx context.Context, runID string, chainID uint64, attempt int) (*Record, error) {
	row := s.db(ctx).QueryRow(ctx, `SELECT `+recordColumns+` FROM notary_records
WHERE run_id = $1 AND chain_id = $2 AND attempt = $3`, runID, int64(chainID), attempt)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notaryerr.Newf(notaryerr.KindNotFound, "no attempt %d for run %q on chain %d", attempt, runID, chainID)
	}
	return rec, err
}

func (s *PostgresStore) Update(ctx context.Context, rec *Record) error {
	return s.db(ctx).BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := lockRow(ctx, tx, rec.RunID, rec.ChainID); err != nil {
			return err
		}
		cur, err := latest(ctx, tx, rec.RunID, rec.ChainID)
		if err != nil {
			return err
		}
		if cur.Attempt != rec.Attempt {
			return notaryerr.Newf(notaryerr.KindConflict, "attempt %d is not the latest (%d)", rec.Attempt, cur.Attempt)
		}
		if err := CheckTransition(cur.Status, rec.Status); err != nil {
			return err
		}
		estimate, err := json.Marshal(rec.Estimate)
		if err != nil {
			return fmt.Errorf("failed to encode estimate: %w", err)
		}
		_, err = tx.Exec(ctx, `
UPDATE notary_records SET tx_hash = $4, block_number = $5, contract_address = $6, gas_used = $7,
    confirmation_count = $8, audit_commit_included = $9, payload_size = $10, status = $11, estimate = $12,
    actual_cost_wei = $13, failure_kind = $14, failure_reason = $15, submitted_at = $16, confirmed_at = $17,
    raw_tx = $18, updated_at = clock_timestamp()
WHERE run_id = $1 AND chain_id = $2 AND attempt = $3`,
			rec.RunID, int64(rec.ChainID), rec.Attempt, rec.TxHash, int64(rec.BlockNumber), rec.ContractAddress,
			int64(rec.GasUsed), int64(rec.ConfirmationCount), rec.AuditCommitIncluded, rec.PayloadSize,
			string(rec.Status), estimate, rec.ActualCostWei, string(rec.FailureKind), rec.FailureReason,
			rec.SubmittedAt, rec.ConfirmedAt, rec.RawTx)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateConfirmations(ctx context.Context, runID string, chainID uint64, count uint64) error {
	return s.db(ctx).BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := lockRow(ctx, tx, runID, chainID); err != nil {
			return err
		}
		cur, err := latest(ctx, tx, runID, chainID)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending {
			return notaryerr.Newf(notaryerr.KindConflict, "confirmations can only change on a pending record, not %s", cur.Status)
		}
		_, err = tx.Exec(ctx, `UPDATE notary_records SET confirmation_count = $4, updated_at = clock_timestamp()
WHERE run_id = $1 AND chain_id = $2 AND attempt = $3`, runID, int64(chainID), cur.Attempt, int64(count))
		return err
	})
}

func (s *PostgresStore) History(ctx context.Context, runID string, chainID uint64) ([]*Record, error) {
	out, err := queryRecords(ctx, s.db(ctx), `SELECT `+recordColumns+` FROM notary_records
WHERE run_id = $1 AND chain_id = $2 ORDER BY attempt ASC`, runID, int64(chainID))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notaryerr.Newf(notaryerr.KindNotFound, "no record for run %q on chain %d", runID, chainID)
	}
	return out, nil
}

func (s *PostgresStore) ListByRun(ctx context.Context, runID string) ([]*Record, error) {
	return queryRecords(ctx, s.db(ctx), `SELECT `+recordColumns+` FROM (
    SELECT DISTINCT ON (chain_id) `+recordColumns+` FROM notary_records
    WHERE run_id = $1 ORDER BY chain_id, attempt DESC
) latest ORDER BY updated_at DESC, chain_id`, runID)
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryRecords(ctx, s.db(ctx), `SELECT `+recordColumns+` FROM notary_records r
WHERE status IN ('quoted', 'submitted', 'pending')
  AND attempt = (SELECT max(attempt) FROM notary_records m WHERE m.run_id = r.run_id AND m.chain_id = r.chain_id)
ORDER BY updated_at ASC LIMIT $1`, limit)
}

// WithLock holds a session advisory lock on a dedicated connection while fn runs, so
// a gateway and an engine never drive the same record at once. Store calls made with
// the ctx passed to fn reuse that connection; fn must not call the store concurrently.
func (s *PostgresStore) WithLock(ctx context.Context, runID string, chainID uint64, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return notaryerr.Wrap(notaryerr.KindNetworkUnavailable, "failed to acquire connection for writer lock", err)
	}
	defer conn.Release()

	key := lockKey(runID, chainID)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, writerLockSpace, key); err != nil {
		return fmt.Errorf("failed to take writer lock for %s: %w", key, err)
	}
	defer func() {
		// The caller's context may be done already; unlock regardless.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1, hashtext($2))`, writerLockSpace, key); err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("failed to release writer lock")
		}
	}()
	return fn(context.WithValue(ctx, lockedConnKey{}, conn))
}

func lockRow(ctx context.Context, tx pgx.Tx, runID string, chainID uint64) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, rowLockSpace, lockKey(runID, chainID)); err != nil {
		return fmt.Errorf("failed to lock record: %w", err)
	}
	return nil
}

const recordColumns = `run_id, chain_id, attempt, network_key, operation, merkle_root, tx_hash, block_number,
    contract_address, gas_used, confirmation_count, audit_commit_included, payload_size, status, estimate,
    actual_cost_wei, failure_kind, failure_reason, created_at, submitted_at, updated_at, confirmed_at, raw_tx`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func latest(ctx context.Context, q querier, runID string, chainID uint64) (*Record, error) {
	row := q.QueryRow(ctx, `SELECT `+recordColumns+` FROM notary_records
WHERE run_id = $1 AND chain_id = $2 ORDER BY attempt DESC LIMIT 1`, runID, int64(chainID))
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notaryerr.Newf(notaryerr.KindNotFound, "no record for run %q on chain %d", runID, chainID)
	}
	return rec, err
}

func queryRecords(ctx context.Context, q querier, sql string, args ...interface{}) ([]*Record, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r                                      Record
		chainID, block, gasUsed, confirmations int64
		op, root, status, failureKind          string
		estimate                               []byte
	)
	err := row.Scan(&r.RunID, &chainID, &r.Attempt, &r.NetworkKey, &op, &root, &r.TxHash, &block,
		&r.ContractAddress, &gasUsed, &confirmations, &r.AuditCommitIncluded, &r.PayloadSize, &status, &estimate,
		&r.ActualCostWei, &failureKind, &r.FailureReason, &r.CreatedAt, &r.SubmittedAt, &r.UpdatedAt, &r.ConfirmedAt, &r.RawTx)
	if err != nil {
		return nil, err
	}
	r.ChainID = uint64(chainID)
	r.BlockNumber = uint64(block)
	r.GasUsed = uint64(gasUsed)
	r.ConfirmationCount = uint64(confirmations)
	r.Operation = gas.Operation(op)
	r.MerkleRoot = common.HexToHash(root)
	r.Status = Status(status)
	r.FailureKind = notaryerr.Kind(failureKind)
	if err := json.Unmarshal(estimate, &r.Estimate); err != nil {
		return nil, fmt.Errorf("failed to decode estimate: %w", err)
	}
	return &r, nil
}

func nullableJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
