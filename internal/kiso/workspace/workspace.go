// Package workspace lays out and resolves paths under a session's private
// working directory: the exec/skill subprocess cwd, the published-file
// directory served by GET /pub/{id}, and the in-flight plan-outputs file
// (§4.2 "task output chaining", §6 "Persisted layout").
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kiso-run/kiso/internal/kiso/roles"
)

// Root resolves the workspace directories relative to a base directory
// (config.toml's sessions_dir, typically "sessions").
type Root struct {
	base string
}

// NewRoot returns a Root rooted at base.
func NewRoot(base string) *Root {
	return &Root{base: base}
}

// Dir returns the session's workspace directory: <base>/<session>.
func (r *Root) Dir(sessionID string) string {
	return filepath.Join(r.base, sessionID)
}

// PubDir returns the session's published-file directory.
func (r *Root) PubDir(sessionID string) string {
	return filepath.Join(r.Dir(sessionID), "pub")
}

// UploadsDir returns the session's uploads directory.
func (r *Root) UploadsDir(sessionID string) string {
	return filepath.Join(r.Dir(sessionID), "uploads")
}

// kisoDir returns the session's internal .kiso directory.
func (r *Root) kisoDir(sessionID string) string {
	return filepath.Join(r.Dir(sessionID), ".kiso")
}

// PlanOutputsPath returns the path to .kiso/plan_outputs.json for a session.
func (r *Root) PlanOutputsPath(sessionID string) string {
	return filepath.Join(r.kisoDir(sessionID), "plan_outputs.json")
}

// EnsureDirs creates the session's workspace directory tree if absent. The
// workspace root itself is created mode 0700 (§4.3 "a per-session restricted
// OS user owning the workspace with mode 0700"); ownership is applied
// separately by the caller when running under a non-admin role.
func (r *Root) EnsureDirs(sessionID string) error {
	for _, dir := range []string{r.Dir(sessionID), r.PubDir(sessionID), r.UploadsDir(sessionID), r.kisoDir(sessionID)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("ensure workspace dir %s: %w", dir, err)
		}
	}
	return nil
}

// WritePlanOutputs serializes the in-memory plan-outputs array to
// .kiso/plan_outputs.json, the file an exec task's translated command can
// read to see prior task results (§4.2).
func (r *Root) WritePlanOutputs(sessionID string, entries []roles.PlanOutputEntry) error {
	if entries == nil {
		entries = []roles.PlanOutputEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal plan outputs: %w", err)
	}
	path := r.PlanOutputsPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("ensure .kiso dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write plan outputs: %w", err)
	}
	return nil
}

// RemovePlanOutputs deletes the plan-outputs file on plan termination. A
// missing file is not an error.
func (r *Root) RemovePlanOutputs(sessionID string) error {
	if err := os.Remove(r.PlanOutputsPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plan outputs: %w", err)
	}
	return nil
}

// ResolvePublished resolves a filename under a session's pub/ directory,
// rejecting any candidate whose cleaned absolute path escapes that
// directory (§3 Published file: "path-traversal must be prevented").
func (r *Root) ResolvePublished(sessionID, filename string) (string, error) {
	pubDir, err := filepath.Abs(r.PubDir(sessionID))
	if err != nil {
		return "", fmt.Errorf("resolve pub dir: %w", err)
	}
	candidate, err := filepath.Abs(filepath.Join(pubDir, filename))
	if err != nil {
		return "", fmt.Errorf("resolve candidate path: %w", err)
	}
	rel, err := filepath.Rel(pubDir, candidate)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || hasDotDotPrefix(rel) {
		return "", fmt.Errorf("path escapes session pub directory: %q", filename)
	}
	return candidate, nil
}

// ListPub returns the filenames directly under a session's pub/ directory
// (no recursion — a skill or exec task publishes by writing a file there
// directly, not by creating sub-trees). A missing directory yields no
// filenames, not an error.
func (r *Root) ListPub(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(r.PubDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list pub dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
