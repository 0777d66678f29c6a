// Package reqattrs implements the per-request attribute propagation and loop
// detection described in spec.md §3 ("RequestAttributes") and §4.8, using the
// x-ar-io-* header contract from spec.md §6. Name normalization follows the
// teacher's honeytag resolver (pkg/honeytag/resolver.go), which NFKC-
// normalizes and lowercases query strings before comparison.
package reqattrs

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Header names from spec.md §6.
const (
	HeaderHops               = "x-ar-io-hops"
	HeaderOrigin             = "x-ar-io-origin"
	HeaderOriginNodeRelease  = "x-ar-io-origin-node-release"
	HeaderVia                = "x-ar-io-via"
	HeaderArNSName           = "x-ar-io-arns-name"
	HeaderArNSBasename       = "x-ar-io-arns-basename"
	HeaderArNSRecord         = "x-ar-io-arns-record"
	HeaderArNSResolvedID     = "x-ar-io-arns-resolved-id"
	HeaderArNSTTLSeconds     = "x-ar-io-arns-ttl-seconds"
	HeaderArNSProcessID      = "x-ar-io-arns-process-id"
	HeaderArNSResolvedAt     = "x-ar-io-arns-resolved-at"
	HeaderCache              = "x-cache"
	HeaderETag               = "etag"
	HeaderDigest             = "x-ar-io-digest"
)

// Attributes is the per-request trace carried across hops (spec.md §3).
type Attributes struct {
	Origin            string
	Hops              uint32
	OriginNodeRelease string
	ArNSName          string
	ArNSBasename      string
	ArNSRecord        string
	ClientIPs         []string
	Via               []string
}

// Parse builds Attributes from an inbound request's headers. Client IPs are
// not carried over a header in spec.md §6's table; callers that need them
// populate Attributes.ClientIPs separately from the transport layer (e.g.
// X-Forwarded-For), so Parse leaves that field empty.
func Parse(h http.Header) (Attributes, error) {
	var a Attributes

	if raw := h.Get(HeaderHops); raw != "" {
		hops, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return a, fmt.Errorf("reqattrs: invalid %s header %q: %w", HeaderHops, raw, err)
		}
		a.Hops = uint32(hops)
	}

	a.Origin = h.Get(HeaderOrigin)
	a.OriginNodeRelease = h.Get(HeaderOriginNodeRelease)
	a.ArNSName = h.Get(HeaderArNSName)
	a.ArNSBasename = h.Get(HeaderArNSBasename)
	a.ArNSRecord = h.Get(HeaderArNSRecord)
	a.Via = parseVia(h.Get(HeaderVia))

	return a, nil
}

// parseVia lowercases and splits the comma-separated via list (round-trip
// law from spec.md §8: "parse_via(format_via(via)) = via modulo case").
func parseVia(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// formatVia renders via as the comma-separated, already-lowercase header value.
func formatVia(via []string) string {
	return strings.Join(via, ", ")
}

// Apply writes a's fields onto an outbound request's headers.
func (a Attributes) Apply(h http.Header) {
	h.Set(HeaderHops, strconv.FormatUint(uint64(a.Hops), 10))
	if a.Origin != "" {
		h.Set(HeaderOrigin, a.Origin)
	}
	if a.OriginNodeRelease != "" {
		h.Set(HeaderOriginNodeRelease, a.OriginNodeRelease)
	}
	if a.ArNSName != "" {
		h.Set(HeaderArNSName, a.ArNSName)
	}
	if a.ArNSBasename != "" {
		h.Set(HeaderArNSBasename, a.ArNSBasename)
	}
	if a.ArNSRecord != "" {
		h.Set(HeaderArNSRecord, a.ArNSRecord)
	}
	if len(a.Via) > 0 {
		h.Set(HeaderVia, formatVia(a.Via))
	}
}

// ForOutbound derives the attributes to attach to an outbound request this
// gateway makes on behalf of an inbound request, per spec.md §4.8: hops is
// incremented, origin defaults to localRootHost when unset, via gets
// selfIdentifier appended, and arns_* fields pass through unchanged.
func (a Attributes) ForOutbound(selfIdentifier, localRootHost string) Attributes {
	out := a
	out.Hops = a.Hops + 1
	if out.Origin == "" {
		out.Origin = localRootHost
	}
	out.Via = append(append([]string{}, a.Via...), strings.ToLower(selfIdentifier))
	return out
}

// ExceedsMaxHops reports whether a's hop count has reached maxHops, in which
// case the request MUST be rejected upstream per spec.md §4.8.
func (a Attributes) ExceedsMaxHops(maxHops uint32) bool {
	return a.Hops >= maxHops
}

// ViaContains reports whether identifier (case-insensitively) already
// appears in a.Via, implementing the loop-detection check of spec.md §4.8
// and the "Loop safety" invariant of spec.md §8.
func (a Attributes) ViaContains(identifier string) bool {
	identifier = strings.ToLower(identifier)
	for _, v := range a.Via {
		if v == identifier {
			return true
		}
	}
	return false
}

// NormalizeName applies the NFKC-normalize-then-lowercase rule the teacher's
// honeytag resolver uses for name comparison, reused here for ArNS name
// normalization.
func NormalizeName(name string) string {
	trimmed := strings.TrimSpace(name)
	return strings.ToLower(norm.NFKC.String(trimmed))
}
