// Package claimstore provides durable ClaimLedger backends. All of them keep
// the same contract as the in-memory ledger: Reserve is atomic per subject
// id, registered records are permanent, and failed records keep their
// payment id so a retry can resume without paying again.
package claimstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// claimsSchema creates the claims table. Reserve's atomicity rides on the
// subject_id primary key.
const claimsSchema = `
CREATE TABLE IF NOT EXISTS claims (
	subject_id       TEXT PRIMARY KEY,
	claim_id         TEXT NOT NULL,
	claim_type       TEXT NOT NULL,
	fingerprint      TEXT NOT NULL,
	payload          JSONB,
	content_address  TEXT NOT NULL DEFAULT '',
	transaction_hash TEXT NOT NULL DEFAULT '',
	payment_id       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	failure_code     TEXT NOT NULL DEFAULT '',
	failure_reason   TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
)`

// paymentIndex binds each payment id to a single row. Failed records keep
// their payment id, so an abandoned payment stays bound until the subject's
// retry replaces it.
const paymentIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS claims_payment_id_key
ON claims (payment_id) WHERE payment_id <> ''`

const claimColumns = `subject_id, claim_id, claim_type, fingerprint, payload, content_address, transaction_hash, payment_id, status, failure_code, failure_reason, created_at, updated_at`

// PostgresClaimLedger persists claim records in PostgreSQL. This store is
// pure I/O; the Coordinator owns the registration pipeline.
type PostgresClaimLedger struct {
	db *sql.DB
}

var _ bazaar.ClaimLedger = (*PostgresClaimLedger)(nil)

// NewPostgresClaimLedger constructs a PostgreSQL-backed claim ledger. The
// connection pool lifecycle is managed by the caller.
func NewPostgresClaimLedger(db *sql.DB) *PostgresClaimLedger {
	return &PostgresClaimLedger{db: db}
}

// EnsureSchema creates the claims table and its payment index when they do
// not exist yet.
func (s *PostgresClaimLedger) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, claimsSchema); err != nil {
		return fmt.Errorf("ensure claims schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, paymentIndex); err != nil {
		return fmt.Errorf("ensure payment index: %w", err)
	}
	return nil
}

// Reserve atomically claims the subject's idempotency slot in a single
// statement: the insert wins an empty slot, the conditional update replaces a
// failed record, and anything else returns no row, which maps to ErrSlotHeld.
// A payment id already bound to another row trips the payment index and maps
// to ErrPaymentBound.
func (s *PostgresClaimLedger) Reserve(ctx context.Context, record *bazaar.ClaimRecord) error {
	query := `
		INSERT INTO claims (` + claimColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', '', $10, $11)
		ON CONFLICT (subject_id) DO UPDATE SET
			claim_id = EXCLUDED.claim_id,
			claim_type = EXCLUDED.claim_type,
			fingerprint = EXCLUDED.fingerprint,
			payload = EXCLUDED.payload,
			content_address = EXCLUDED.content_address,
			transaction_hash = EXCLUDED.transaction_hash,
			payment_id = EXCLUDED.payment_id,
			status = EXCLUDED.status,
			failure_code = '',
			failure_reason = '',
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
		WHERE claims.status = $12
		RETURNING subject_id
	`

	now := time.Now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var subjectID string
	err := s.db.QueryRowContext(ctx, query,
		record.SubjectID,
		record.ClaimID,
		record.ClaimType,
		record.Fingerprint,
		nullablePayload(record.Payload),
		record.ContentAddress,
		record.TransactionHash,
		record.PaymentID,
		string(bazaar.StatusPending),
		createdAt,
		now,
		string(bazaar.StatusFailed),
	).Scan(&subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return bazaar.ErrSlotHeld
	}
	if isPaymentConflict(err) {
		return bazaar.ErrPaymentBound
	}
	if err != nil {
		return fmt.Errorf("reserve claim slot: %w", err)
	}
	return nil
}

// isPaymentConflict reports whether err is a unique violation on the payment
// id index.
func isPaymentConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "claims_payment_id_key"
}

// SetContentAddress persists the content address on the pending record.
func (s *PostgresClaimLedger) SetContentAddress(ctx context.Context, subjectID, contentAddress string) error {
	query := `
		UPDATE claims
		SET content_address = $2, updated_at = $3
		WHERE subject_id = $1 AND status = $4
	`
	result, err := s.db.ExecContext(ctx, query, subjectID, contentAddress, time.Now().UTC(), string(bazaar.StatusPending))
	if err != nil {
		return fmt.Errorf("set content address: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set content address rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	record, err := s.Get(ctx, subjectID)
	if err != nil {
		return err
	}
	return bazaar.NewError(bazaar.ErrCodeInternalInconsistency,
		"content address set on a non-pending record",
		map[string]interface{}{"subjectId": subjectID, "status": string(record.Status)})
}

// Commit transitions the pending record to registered and persists the
// transaction hash. The registered record is permanent.
func (s *PostgresClaimLedger) Commit(ctx context.Context, subjectID, contentAddress, txHash string) (*bazaar.ClaimRecord, error) {
	query := `
		UPDATE claims
		SET status = $4, content_address = $2, transaction_hash = $3,
			failure_code = '', failure_reason = '', updated_at = $5
		WHERE subject_id = $1 AND status = $6
		RETURNING ` + claimColumns

	record, err := scanClaim(s.db.QueryRowContext(ctx, query,
		subjectID, contentAddress, txHash,
		string(bazaar.StatusRegistered), time.Now().UTC(), string(bazaar.StatusPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.inconsistency(ctx, subjectID, "commit of a missing record", "commit of a non-pending record")
	}
	if err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return record, nil
}

// MarkFailed transitions the pending record to failed. The payment id and any
// content address stay on the record so a retry can resume without paying or
// re-uploading.
func (s *PostgresClaimLedger) MarkFailed(ctx context.Context, subjectID, failureCode, reason string) (*bazaar.ClaimRecord, error) {
	query := `
		UPDATE claims
		SET status = $4, failure_code = $2, failure_reason = $3, updated_at = $5
		WHERE subject_id = $1 AND status <> $6
		RETURNING ` + claimColumns

	record, err := scanClaim(s.db.QueryRowContext(ctx, query,
		subjectID, failureCode, reason,
		string(bazaar.StatusFailed), time.Now().UTC(), string(bazaar.StatusRegistered)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.inconsistency(ctx, subjectID, "failure mark on a missing record", "failure mark on a registered record")
	}
	if err != nil {
		return nil, fmt.Errorf("mark claim failed: %w", err)
	}
	return record, nil
}

// Get returns the record for a subject id, or ErrNotFound.
func (s *PostgresClaimLedger) Get(ctx context.Context, subjectID string) (*bazaar.ClaimRecord, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE subject_id = $1`

	record, err := scanClaim(s.db.QueryRowContext(ctx, query, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bazaar.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return record, nil
}

// inconsistency reports why a guarded update matched no row: the record is
// either missing or in a state the transition does not allow.
func (s *PostgresClaimLedger) inconsistency(ctx context.Context, subjectID, missingMsg, stateMsg string) error {
	record, err := s.Get(ctx, subjectID)
	if errors.Is(err, bazaar.ErrNotFound) {
		return bazaar.NewError(bazaar.ErrCodeInternalInconsistency, missingMsg,
			map[string]interface{}{"subjectId": subjectID})
	}
	if err != nil {
		return err
	}
	return bazaar.NewError(bazaar.ErrCodeInternalInconsistency, stateMsg,
		map[string]interface{}{"subjectId": subjectID, "status": string(record.Status)})
}

func nullablePayload(payload []byte) interface{} {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

type claimRow interface {
	Scan(dest ...any) error
}

func scanClaim(row claimRow) (*bazaar.ClaimRecord, error) {
	var record bazaar.ClaimRecord
	var payload sql.NullString
	var status string
	if err := row.Scan(
		&record.SubjectID,
		&record.ClaimID,
		&record.ClaimType,
		&record.Fingerprint,
		&payload,
		&record.ContentAddress,
		&record.TransactionHash,
		&record.PaymentID,
		&status,
		&record.FailureCode,
		&record.FailureReason,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if payload.Valid {
		record.Payload = []byte(payload.String)
	}
	record.Status = bazaar.ClaimStatus(status)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return &record, nil
}
