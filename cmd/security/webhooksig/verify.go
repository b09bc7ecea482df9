package webhooksig

import (
	"crypto/hmac"
	"time"
)

// Reason explains a failed verification.
type Reason string

const (
	ReasonMissing            Reason = "missing"
	ReasonMalformed          Reason = "malformed"
	ReasonUnsupportedVersion Reason = "unsupported_version"
	ReasonStale              Reason = "timestamp_out_of_tolerance"
	ReasonMismatch           Reason = "signature_mismatch"
	ReasonNoSecret           Reason = "no_secret"
)

// Slot identifies which secret of a Keyring matched.
type Slot int

const (
	SlotNone Slot = iota
	SlotCurrent
	SlotNext
)

// Result is the outcome of a verification.
type Result struct {
	Valid     bool
	Reason    Reason
	Timestamp time.Time
	Slot      Slot
}

// Err returns nil for a valid result and an InvalidError otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return InvalidError{Reason: r.Reason}
}

func fail(reason Reason) Result { return Result{Reason: reason} }

// Keyring holds the active secret and the one being rotated in.
type Keyring struct {
	Current []byte
	Next    []byte
}

// Empty reports whether no secret is configured.
func (k Keyring) Empty() bool { return len(k.Current) == 0 && len(k.Next) == 0 }

// Verifier checks signature headers against a Keyring.
type Verifier struct {
	Keys      Keyring
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify checks header against body. Every secret in the keyring is compared so the
// timing does not reveal which slot matched.
func (v Verifier) Verify(header string, body []byte) Result {
	if v.Keys.Empty() {
		return fail(ReasonNoSecret)
	}
	p, reason := Parse(header)
	if reason != "" {
		return fail(reason)
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	tol := v.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	ts := time.Unix(p.Timestamp, 0)
	if skew := now.Sub(ts); skew > tol || skew < -tol {
		return Result{Reason: ReasonStale, Timestamp: ts}
	}

	slot := SlotNone
	if len(v.Keys.Current) > 0 && hmac.Equal(mac(v.Keys.Current, p.Timestamp, body), p.Signature) {
		slot = SlotCurrent
	}
	if len(v.Keys.Next) > 0 && hmac.Equal(mac(v.Keys.Next, p.Timestamp, body), p.Signature) && slot == SlotNone {
		slot = SlotNext
	}
	if slot == SlotNone {
		return Result{Reason: ReasonMismatch, Timestamp: ts}
	}
	return Result{Valid: true, Timestamp: ts, Slot: slot}
}

// Verify checks header against a single secret at now with DefaultTolerance.
func Verify(header string, body, secret []byte, now time.Time) Result {
	return Verifier{
		Keys: Keyring{Current: secret},
		Now:  func() time.Time { return now },
	}.Verify(header, body)
}
