// Package sanitize strips known secret values from outbound text and wraps
// untrusted content in per-call random delimiters (§4.8).
package sanitize

import (
	"encoding/base64"
	"net/url"

	"github.com/kiso-run/kiso/common/redact"
)

// Sanitize replaces every plaintext, base64, and URL-encoded rendering of
// each secret value in s with [REDACTED]. The plaintext pass delegates to
// redact.String, which already skips values shorter than 4 characters; the
// same length guard is applied to each encoded variant before it is used as
// a replacement key.
//
// Sanitize must run before: storing task output, sending output to any LLM,
// emitting to audit, and delivering to a webhook (§4.8, §8 invariant 7).
func Sanitize(s string, secretValues []string) string {
	s = redact.String(s, secretValues...)
	for _, v := range secretValues {
		if len(v) < 4 {
			continue
		}
		variants := make([]string, 0, 5)
		for _, variant := range encodedVariants(v) {
			if len(variant) >= 4 {
				variants = append(variants, variant)
			}
		}
		s = redact.String(s, variants...)
	}
	return s
}

// encodedVariants returns the base64 (standard + URL-safe, padded + raw) and
// URL-percent-encoded renderings of v, so secret values pasted or logged in
// an encoded form are caught as well as the plaintext.
func encodedVariants(v string) []string {
	return []string{
		base64.StdEncoding.EncodeToString([]byte(v)),
		base64.RawStdEncoding.EncodeToString([]byte(v)),
		base64.URLEncoding.EncodeToString([]byte(v)),
		base64.RawURLEncoding.EncodeToString([]byte(v)),
		url.QueryEscape(v),
	}
}
