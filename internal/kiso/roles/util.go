package roles

import "strings"

// trimSpaceAndFences strips surrounding whitespace and a single pair of
// markdown code fences (``` or ```lang ... ```) from s, since the exec
// translator must emit a bare command string (§4.3).
func trimSpaceAndFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 && nl < 20 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
