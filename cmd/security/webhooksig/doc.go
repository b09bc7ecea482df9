// Package webhooksig signs and verifies loyalty webhook payloads.
//
// Wire format of the signature header:
//
//	v1,ts=<unix seconds>,sig=<base64(HMAC-SHA256(secret, ts + "." + body))>
//
// The same format protects outbound merchant webhooks (X-Loyalty-Signature) and
// inbound POS bridge requests (X-Bridge-Signature).
//
// Verification never returns a bare bool: callers get a Result carrying the failure
// Reason, and Result.Err maps it onto ErrSignatureInvalid.
package webhooksig
