package claimstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// claimKeyPrefix namespaces claim records in redis.
const claimKeyPrefix = "bazaar:claim:"

// paymentKeyPrefix namespaces payment bindings. Each key holds the subject id
// the payment is bound to.
const paymentKeyPrefix = "bazaar:payment:"

// reserveScript claims the subject slot and binds the payment id. It writes
// the pending record when the slot is empty or held by a failed record
// (ARGV[2]); a payment id (ARGV[3]) bound to a subject other than ARGV[4]
// blocks the reservation. Replacing a failed record that carried a different
// payment releases the old binding. Returns 1 on success, 0 when the slot is
// held and -1 when the payment is bound elsewhere.
var reserveScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local record = nil
if current then
	record = cjson.decode(current)
	if record['status'] ~= ARGV[2] then
		return 0
	end
end
if ARGV[3] ~= '' then
	local holder = redis.call('GET', KEYS[2])
	if holder and holder ~= ARGV[4] then
		return -1
	end
end
if record and record['paymentId'] and record['paymentId'] ~= ARGV[3] then
	redis.call('DEL', 'bazaar:payment:' .. record['paymentId'])
end
redis.call('SET', KEYS[1], ARGV[1])
if ARGV[3] ~= '' then
	redis.call('SET', KEYS[2], ARGV[4])
end
return 1
`)

// replaceIfStatusScript swaps the stored record for ARGV[1] when the current
// status equals ARGV[2]. Returns 1 on success, 0 when the key is missing and
// -1 on a status mismatch.
var replaceIfStatusScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local record = cjson.decode(current)
if record['status'] ~= ARGV[2] then
	return -1
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// replaceUnlessStatusScript swaps the stored record for ARGV[1] unless the
// current status equals ARGV[2]. Same return convention as
// replaceIfStatusScript.
var replaceUnlessStatusScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local record = cjson.decode(current)
if record['status'] == ARGV[2] then
	return -1
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// RedisClaimLedger persists claim records in redis, one JSON value per
// subject id. Status transitions run as Lua scripts so concurrent writers
// see the same atomicity as the other backends.
type RedisClaimLedger struct {
	client *redis.Client
}

var _ bazaar.ClaimLedger = (*RedisClaimLedger)(nil)

// NewRedisClaimLedger constructs a redis-backed claim ledger. The client
// lifecycle is managed by the caller.
func NewRedisClaimLedger(client *redis.Client) *RedisClaimLedger {
	return &RedisClaimLedger{client: client}
}

func claimKey(subjectID string) string {
	return claimKeyPrefix + subjectID
}

func paymentKey(paymentID string) string {
	return paymentKeyPrefix + paymentID
}

// Reserve atomically claims the subject's idempotency slot. Exactly one of
// any number of concurrent callers wins; the rest receive ErrSlotHeld. A
// failed record does not hold the slot and is replaced by the new pending
// record. A payment id bound to a different subject returns ErrPaymentBound.
func (s *RedisClaimLedger) Reserve(ctx context.Context, record *bazaar.ClaimRecord) error {
	stored := record.Clone()
	stored.Status = bazaar.StatusPending
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	encoded, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode claim record: %w", err)
	}

	won, err := reserveScript.Run(ctx, s.client,
		[]string{claimKey(record.SubjectID), paymentKey(stored.PaymentID)},
		string(encoded), string(bazaar.StatusFailed), stored.PaymentID, record.SubjectID).Int()
	if err != nil {
		return fmt.Errorf("reserve claim slot: %w", err)
	}
	switch won {
	case 0:
		return bazaar.ErrSlotHeld
	case -1:
		return bazaar.ErrPaymentBound
	}
	return nil
}

// SetContentAddress persists the content address on the pending record.
func (s *RedisClaimLedger) SetContentAddress(ctx context.Context, subjectID, contentAddress string) error {
	record, err := s.Get(ctx, subjectID)
	if err != nil {
		return err
	}
	if record.Status != bazaar.StatusPending {
		return bazaar.NewError(bazaar.ErrCodeInternalInconsistency,
			"content address set on a non-pending record",
			map[string]interface{}{"subjectId": subjectID, "status": string(record.Status)})
	}

	record.ContentAddress = contentAddress
	record.UpdatedAt = time.Now().UTC()

	outcome, err := s.replaceIf(ctx, subjectID, record, bazaar.StatusPending)
	if err != nil {
		return fmt.Errorf("set content address: %w", err)
	}
	switch outcome {
	case 1:
		return nil
	case 0:
		return bazaar.ErrNotFound
	default:
		return bazaar.NewError(bazaar.ErrCodeInternalInconsistency,
			"content address set on a non-pending record",
			map[string]interface{}{"subjectId": subjectID})
	}
}

// Commit transitions the pending record to registered and persists the
// transaction hash. The registered record is permanent.
func (s *RedisClaimLedger) Commit(ctx context.Context, subjectID, contentAddress, txHash string) (*bazaar.ClaimRecord, error) {
	record, err := s.Get(ctx, subjectID)
	if errors.Is(err, bazaar.ErrNotFound) {
		return nil, bazaar.NewError(bazaar.ErrCodeInternalInconsistency,
			"commit of a missing record",
			map[string]interface{}{"subjectId": subjectID})
	}
	if err != nil {
		return nil, err
	}
	if record.Status != bazaar.StatusPending {
		return nil, bazaar.NewError(bazaar.ErrCodeInternalInconsistency,
			"commit of a non-pending record",
			map[string]interface{}{"subjectId": subjectID, "status": string(record.Status)})
	}

	record.Status = bazaar.StatusRegistered
	record.ContentAddress = contentAddress
	record.TransactionHash = txHash
	record.FailureCode = ""
	record.FailureReason = ""
	record.UpdatedAt = time.Now().UTC()

	outcome, err := s.replaceIf(ctx, subjectID, record, bazaar.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	if outcome != 1 {
		return nil, bazaar.NewError(bazaar.ErrCodeInternalInconsistency,
			"commit of a non-pending record",
			map[string]interface{}{"subjectId": subjectID})
	}
	return record, nil
}

// MarkFailed transitions the pending record to failed. The payment id and any
// content address stay on the record so a retry can resume without paying or
// re-uploading.
func (s *RedisClaimLedger) MarkFailed(ctx context.Context, subjectID, failureCode, reason string) (*bazaar.ClaimRecord, error) {
	record, err := s.Get(ctx, subjectID)
	if errors.Is(err, bazaar.ErrNotFound) {
		return nil, bazaar.NewError(bazaar.ErrCodeInternalInconsistency,
			"failure mark on a missing record",
			map[string]interface{}{"subjectId": subjectID})
	}
	if err != nil {
		return nil, err
	}
	if record.Status == bazaar.StatusRegistered {
		return nil, bazaar.NewError(bazaar.ErrCodeInternalInconsistency,
			"failure mark on a registered record",
			map[string]interface{}{"subjectId": subjectID})
	}

	record.Status = bazaar.StatusFailed
	record.FailureCode = failureCode
	record.FailureReason = reason
	record.UpdatedAt = time.Now().UTC()

	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode claim record: %w", err)
	}
	outcome, err := replaceUnlessStatusScript.Run(ctx, s.client,
		[]string{claimKey(subjectID)},
		string(encoded), string(bazaar.StatusRegistered)).Int()
	if err != nil {
		return nil, fmt.Errorf("mark claim failed: %w", err)
	}
	if outcome != 1 {
		return nil, bazaar.NewError(bazaar.ErrCodeInternalInconsistency,
			"failure mark on a registered record",
			map[string]interface{}{"subjectId": subjectID})
	}
	return record, nil
}

// Get returns the record for a subject id, or ErrNotFound.
func (s *RedisClaimLedger) Get(ctx context.Context, subjectID string) (*bazaar.ClaimRecord, error) {
	encoded, err := s.client.Get(ctx, claimKey(subjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, bazaar.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}

	var record bazaar.ClaimRecord
	if err := json.Unmarshal([]byte(encoded), &record); err != nil {
		return nil, fmt.Errorf("decode claim record: %w", err)
	}
	return &record, nil
}

func (s *RedisClaimLedger) replaceIf(ctx context.Context, subjectID string, record *bazaar.ClaimRecord, expected bazaar.ClaimStatus) (int, error) {
	encoded, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode claim record: %w", err)
	}
	return replaceIfStatusScript.Run(ctx, s.client,
		[]string{claimKey(subjectID)},
		string(encoded), string(expected)).Int()
}
