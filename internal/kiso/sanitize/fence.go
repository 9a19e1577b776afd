package sanitize

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Label names the kind of external-origin content being fenced (§4.8).
type Label string

const (
	LabelUntrustedCtx     Label = "UNTRUSTED_CTX"
	LabelTaskOutput       Label = "TASK_OUTPUT"
	LabelExternalContext  Label = "EXTERNAL_CONTEXT"
)

// NewFenceToken generates a fresh 16-byte random hex token. It must be
// called once per LLM call, not once per message or per plan, so that a
// leaked label from a prior call cannot be replayed in a later one (§9).
func NewFenceToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate fence token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Fence wraps content with <<<LABEL_RANDHEX>>> ... <<<END_LABEL_RANDHEX>>>
// delimiters using the given label and a caller-supplied per-call token.
// Any "<<<...>>>" already present in content is escaped to "«««...»»»"
// first, so the content itself can never forge a closing marker.
func Fence(label Label, token, content string) string {
	escaped := escapeForgedDelimiters(content)
	open := fmt.Sprintf("<<<%s_%s>>>", label, token)
	close_ := fmt.Sprintf("<<<END_%s_%s>>>", label, token)
	return open + "\n" + escaped + "\n" + close_
}

func escapeForgedDelimiters(content string) string {
	var b strings.Builder
	b.Grow(len(content))
	for i := 0; i < len(content); i++ {
		if strings.HasPrefix(content[i:], "<<<") {
			if end := strings.Index(content[i+3:], ">>>"); end != -1 {
				inner := content[i+3 : i+3+end]
				b.WriteString("«««")
				b.WriteString(inner)
				b.WriteString("»»»")
				i += 3 + end + 3 - 1
				continue
			}
		}
		b.WriteByte(content[i])
	}
	return b.String()
}
