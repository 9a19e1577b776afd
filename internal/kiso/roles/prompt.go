// Package roles loads per-role prompt files, assembles role-scoped context
// (§4.7), and drives structured or free-form LLM calls through the gateway
// (§4.5).
package roles

import (
	"fmt"
	"io/fs"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kiso-run/kiso/internal/kiso/llm"
)

// Prompt is one role's loaded prompt file: an optional YAML frontmatter
// override plus the markdown body sent as the system message.
type Prompt struct {
	Body        string
	Model       string
	Temperature *float64
}

// frontmatter is the optional YAML block an admin may prepend to a role
// prompt file, delimited by "---" lines. Load parses both keys; the
// pipeline uses model in place of the configured model for that role, while
// temperature is only stored on Prompt and is not sent to the provider.
type frontmatter struct {
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
}

// PromptRegistry loads roles/<role>.md files on demand. Like the skill
// registry, reads are uncached: an admin can edit a prompt file and the next
// call picks it up immediately, with no restart.
type PromptRegistry struct {
	root fs.FS
}

// NewPromptRegistry creates a PromptRegistry backed by root (typically
// os.DirFS("roles")).
func NewPromptRegistry(root fs.FS) *PromptRegistry {
	return &PromptRegistry{root: root}
}

// Load reads and parses the prompt file for the given role.
func (r *PromptRegistry) Load(role llm.Role) (*Prompt, error) {
	raw, err := fs.ReadFile(r.root, string(role)+".md")
	if err != nil {
		return nil, fmt.Errorf("load prompt for role %q: %w", role, err)
	}

	body := string(raw)
	prompt := &Prompt{Body: body}

	if rest, fm, ok := splitFrontmatter(body); ok {
		var parsed frontmatter
		if err := yaml.Unmarshal([]byte(fm), &parsed); err != nil {
			return nil, fmt.Errorf("role %q: parse frontmatter: %w", role, err)
		}
		prompt.Body = rest
		prompt.Model = parsed.Model
		prompt.Temperature = parsed.Temperature
	}

	return prompt, nil
}

// splitFrontmatter extracts a leading "---\n...\n---\n" YAML block from
// body, if present, returning the remaining body, the frontmatter text, and
// whether one was found.
func splitFrontmatter(body string) (rest string, fm string, ok bool) {
	const delim = "---"
	if !strings.HasPrefix(body, delim) {
		return body, "", false
	}
	afterFirst := strings.TrimPrefix(body, delim)
	afterFirst = strings.TrimPrefix(afterFirst, "\n")

	idx := strings.Index(afterFirst, "\n"+delim)
	if idx == -1 {
		return body, "", false
	}

	fm = afterFirst[:idx]
	rest = afterFirst[idx+len("\n"+delim):]
	rest = strings.TrimPrefix(rest, "\n")
	return rest, fm, true
}
