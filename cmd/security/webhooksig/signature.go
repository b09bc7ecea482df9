package webhooksig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names used on signed requests.
const (
	HeaderSignature       = "X-Loyalty-Signature"
	HeaderMerchantID      = "X-Merchant-Id"
	HeaderTimestamp       = "X-Signature-Timestamp"
	HeaderEventID         = "X-Event-Id"
	HeaderKeyID           = "X-Signature-Key-Id"
	HeaderBridgeSignature = "X-Bridge-Signature"
)

const (
	// Version is the only supported signature scheme.
	Version = "v1"

	// DefaultTolerance bounds |now - ts| during verification.
	DefaultTolerance = 300 * time.Second
)

// Compute returns base64(HMAC-SHA256(secret, ts + "." + body)).
func Compute(secret []byte, ts int64, body []byte) string {
	return base64.StdEncoding.EncodeToString(mac(secret, ts, body))
}

func mac(secret []byte, ts int64, body []byte) []byte {
	m := hmac.New(sha256.New, secret)
	_, _ = m.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = m.Write([]byte("."))
	_, _ = m.Write(body)
	return m.Sum(nil)
}

// Sign builds the full signature header value for body at ts.
func Sign(secret []byte, body []byte, ts time.Time) string {
	unix := ts.Unix()
	return Version + ",ts=" + strconv.FormatInt(unix, 10) + ",sig=" + Compute(secret, unix, body)
}

// Outbound describes one signed webhook request.
type Outbound struct {
	MerchantID string
	EventID    string
	KeyID      string
	Secret     []byte
	Body       []byte
	Now        time.Time
}

// SetHeaders writes the signature and routing headers for o onto h.
func SetHeaders(h http.Header, o Outbound) {
	now := o.Now
	if now.IsZero() {
		now = time.Now()
	}
	h.Set(HeaderSignature, Sign(o.Secret, o.Body, now))
	h.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	if o.MerchantID != "" {
		h.Set(HeaderMerchantID, o.MerchantID)
	}
	if o.EventID != "" {
		h.Set(HeaderEventID, o.EventID)
	}
	if o.KeyID != "" {
		h.Set(HeaderKeyID, o.KeyID)
	}
}

// Parsed is a syntactically valid signature header.
type Parsed struct {
	Version   string
	Timestamp int64
	Signature []byte
}

// Parse splits a header value into its parts. The returned Reason is empty on success.
func Parse(header string) (Parsed, Reason) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Parsed{}, ReasonMissing
	}

	var (
		p               Parsed
		haveTS, haveSig bool
	)
	for i, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if i == 0 {
			p.Version = part
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Parsed{}, ReasonMalformed
		}
		switch k {
		case "ts":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil || ts <= 0 {
				return Parsed{}, ReasonMalformed
			}
			p.Timestamp = ts
			haveTS = true
		case "sig":
			// base64 padding contains '=', so only the first '=' separates key from value.
			raw, err := base64.StdEncoding.DecodeString(v)
			if err != nil || len(raw) == 0 {
				return Parsed{}, ReasonMalformed
			}
			p.Signature = raw
			haveSig = true
		}
	}

	if p.Version != Version {
		return Parsed{}, ReasonUnsupportedVersion
	}
	if !haveTS || !haveSig {
		return Parsed{}, ReasonMalformed
	}
	return p, ""
}
