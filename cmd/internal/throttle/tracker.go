// Package throttle derives rate-limit tracker keys from request identity and enforces
// per-key token buckets in front of the settlement endpoints.
package throttle

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Identity is the request identity a tracker key is built from.
type Identity struct {
	IP         string
	Path       string
	MerchantID string
	OutletID   string
	DeviceID   string
	StaffID    string
}

// Key joins [ip, path, merchantId, outletId|deviceId, staffId] with "|", skipping absent fields.
// Placeholder strings produced by loosely typed clients ("undefined", "null") count as absent.
func (id Identity) Key() string {
	outlet := clean(id.OutletID)
	if outlet == "" {
		outlet = clean(id.DeviceID)
	}
	parts := []string{clean(id.IP), clean(id.Path), clean(id.MerchantID), outlet, clean(id.StaffID)}

	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "|")
}

// fallbackKey is used when the request cannot be introspected.
func fallbackKey(ip, path string) string {
	return Identity{IP: ip, Path: path}.Key()
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "undefined", "null", "nil":
		return ""
	}
	// The separator must not be smuggled in through an id.
	return strings.ReplaceAll(s, "|", "")
}

const maxIntrospectBytes = 1 << 20

var errBodyTooLarge = errors.New("throttle: body too large to introspect")

// identityFields is the subset of a JSON body the tracker reads.
type identityFields struct {
	MerchantID any `json:"merchantId"`
	OutletID   any `json:"outletId"`
	DeviceID   any `json:"deviceId"`
	StaffID    any `json:"staffId"`
}

// FromRequest builds the tracker key for r. The body is read and restored so handlers
// downstream still see it. Any introspection failure falls back to ip|path.
func FromRequest(r *http.Request) string {
	ip := clientIP(r)
	path := routePath(r)

	id, err := identityFromRequest(r)
	if err != nil {
		return fallbackKey(ip, path)
	}
	id.IP = ip
	id.Path = path
	return id.Key()
}

func identityFromRequest(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	id := Identity{
		MerchantID: q.Get("merchantId"),
		OutletID:   q.Get("outletId"),
		DeviceID:   q.Get("deviceId"),
		StaffID:    q.Get("staffId"),
	}

	if r.Body == nil || r.Body == http.NoBody {
		return id, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxIntrospectBytes+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return Identity{}, err
	}
	if len(raw) > maxIntrospectBytes {
		return Identity{}, errBodyTooLarge
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return id, nil
	}

	var f identityFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return Identity{}, err
	}
	id.MerchantID = firstNonEmpty(asString(f.MerchantID), id.MerchantID)
	id.OutletID = firstNonEmpty(asString(f.OutletID), id.OutletID)
	id.DeviceID = firstNonEmpty(asString(f.DeviceID), id.DeviceID)
	id.StaffID = firstNonEmpty(asString(f.StaffID), id.StaffID)
	return id, nil
}

// asString accepts JSON strings and numbers; everything else is absent.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		b, _ := json.Marshal(t)
		return string(b)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// routePath prefers the matched chi pattern so path parameters do not explode the key space.
func routePath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

const unmatchedRoute = "unmatched"

// routeLabel is routePath restricted to registered patterns, for metric labels.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}
