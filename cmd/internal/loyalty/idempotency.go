package loyalty

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	opCommit = "commit"
	opRefund = "refund"
)

// DefaultIdempotencyKey is used when a caller omits the Idempotency-Key header.
func DefaultIdempotencyKey(op, merchantID, ref string) string {
	return op + ":" + merchantID + ":" + ref
}

// fingerprint hashes the normalized request fields; field order is part of the format.
func fingerprint(op string, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(op))
	for _, f := range fields {
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(f)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// replay loads a stored result for (merchant, key) into out.
// It reports false when the key is unused and ErrIdempotencyConflict when the stored request differs.
func replay(ctx context.Context, tx Tx, merchantID, key, op, hash string, out any) (bool, error) {
	rec, ok, err := tx.GetIdempotency(ctx, merchantID, key)
	if err != nil || !ok {
		return false, err
	}
	if rec.Operation != op || rec.RequestHash != hash {
		return false, ErrIdempotencyConflict
	}
	if err := json.Unmarshal(rec.Result, out); err != nil {
		return false, fmt.Errorf("decode idempotent result: %w", err)
	}
	return true, nil
}

func remember(ctx context.Context, tx Tx, merchantID, key, op, hash string, result any, now time.Time) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return tx.PutIdempotency(ctx, IdempotencyRecord{
		MerchantID:  merchantID,
		Key:         key,
		Operation:   op,
		RequestHash: hash,
		Result:      raw,
		CreatedAt:   now,
	})
}
