// Package executor implements Kiso's task executor (C7): it dispatches one
// task by type — exec (translate then shell out), skill (subprocess),
// msg (messenger role), search (searcher role) — and returns a sanitized
// output plus an exit disposition (§4.3).
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/llm"
	"github.com/kiso-run/kiso/internal/kiso/roles"
	"github.com/kiso-run/kiso/internal/kiso/sanitize"
	"github.com/kiso-run/kiso/internal/kiso/secrets"
	"github.com/kiso-run/kiso/internal/kiso/skills"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/workspace"
)

// ErrCannotTranslate is returned when the exec translator emits its
// CANNOT_TRANSLATE sentinel (§7 TranslatorFailure).
var ErrCannotTranslate = errors.New("exec translator could not produce a command")

// ErrDestructiveCommand is returned when a translated command matches the
// destructive-pattern deny list (§4.2 step 7).
var ErrDestructiveCommand = errors.New("translated command matches destructive-pattern deny list")

const cannotTranslateSentinel = "CANNOT_TRANSLATE"

// Config holds the executor's timeout and output-capping policy (§4.3).
type Config struct {
	// ExecTimeout bounds a shell sub-process. Defaults to 120s.
	ExecTimeout time.Duration
	// SkillTimeout bounds a skill sub-process. Defaults to ExecTimeout.
	SkillTimeout time.Duration
	// MaxOutputBytes caps stdout capture and, separately, stderr capture, so
	// the two together can hold up to twice this. Defaults to 1 MiB.
	MaxOutputBytes int64
	// SkillsDir is the filesystem directory skill subprocesses are spawned
	// from, e.g. "skills". The skills.Registry that parses manifests is
	// fs.FS-backed and may be rooted anywhere (including an fstest.MapFS in
	// tests), but a subprocess needs a real path, so the executor keeps its
	// own copy of the root it was built from.
	SkillsDir string
}

func (c Config) withDefaults() Config {
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 120 * time.Second
	}
	if c.SkillTimeout <= 0 {
		c.SkillTimeout = c.ExecTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	return c
}

// RestrictedUser identifies the per-session OS user a non-admin caller's
// exec/skill tasks must run as (§4.3: "Non-admin role: must run under a
// per-session restricted OS user owning the workspace with mode 0700").
// A nil *RestrictedUser means no OS-level restriction beyond the deny list,
// the admin-role behavior.
type RestrictedUser struct {
	UID uint32
	GID uint32
}

// Executor dispatches one task by type (C7).
type Executor struct {
	pipeline *roles.Pipeline
	skills   *skills.Registry
	ws       *workspace.Root
	deploy   *secrets.DeploySecrets
	cfg      Config
}

// New builds an Executor. deploy is the process-wide deploy secret registry
// (C2); a skill's `[kiso.skill.env]` declaration names keys looked up there,
// not in session facts, so the executor needs its own handle rather than
// relying on the per-task dispatch context (§4.3). A nil deploy is accepted
// for deployments or tests with no declared skill env vars.
func New(pipeline *roles.Pipeline, registry *skills.Registry, ws *workspace.Root, deploy *secrets.DeploySecrets, cfg Config) *Executor {
	return &Executor{pipeline: pipeline, skills: registry, ws: ws, deploy: deploy, cfg: cfg.withDefaults()}
}

// Context carries everything one task dispatch needs beyond the task row
// itself (§4.7's per-role context pieces, gathered by the plan runtime).
type Context struct {
	SessionID            string
	Task                 *store.Task
	SystemEnvironment    map[string]string
	PrecedingPlanOutputs []roles.PlanOutputEntry
	SessionSummary       string
	Facts                []roles.FactLine
	Ephemeral            *secrets.Ephemeral
	Restricted           *RestrictedUser
	SearchMaxResults     int
	SearchLang           string
	SearchCountry        string
}

// Result is the outcome of one task dispatch (§4.3: "status, output text,
// and exit metadata").
type Result struct {
	Status   store.TaskStatus
	Output   string
	Stderr   string
	Command  *string
	ExitCode int
	// SkipReview is set when the task never actually ran — translator
	// failure or a deny-list block — so the plan runtime must enter the
	// replan branch directly instead of asking the reviewer to judge output
	// that was never produced (§7 TranslatorFailure: "Task failed; plan
	// enters replan branch", as distinct from TaskFailure's "reviewer still
	// runs").
	SkipReview bool
}

// Dispatch runs one task according to its type and sanitizes the result
// before returning it (§4.3, §4.8 "applied before ... sending output to any
// LLM" is the caller's job for chained tasks; sanitization here covers
// storage/webhook/audit per the same list).
func (e *Executor) Dispatch(ctx context.Context, budget *llm.Budget, dctx Context, secretValues []string) (*Result, error) {
	switch dctx.Task.Type {
	case store.TaskExec:
		return e.runExec(ctx, budget, dctx, secretValues)
	case store.TaskSkill:
		return e.runSkill(ctx, dctx, secretValues)
	case store.TaskMsg:
		return e.runMsg(ctx, budget, dctx, secretValues)
	case store.TaskSearch:
		return e.runSearch(ctx, budget, dctx, secretValues)
	default:
		return nil, fmt.Errorf("dispatch: unsupported task type %q", dctx.Task.Type)
	}
}

func (e *Executor) runExec(ctx context.Context, budget *llm.Budget, dctx Context, secretValues []string) (*Result, error) {
	command, err := e.pipeline.TranslateExec(ctx, budget, roles.ExecTranslatorContext{
		SystemEnvironment:    dctx.SystemEnvironment,
		PrecedingPlanOutputs: dctx.PrecedingPlanOutputs,
		CurrentTaskDetail:    dctx.Task.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("exec translator: %w", err)
	}
	if command == "" || command == cannotTranslateSentinel {
		return &Result{Status: store.TaskFailed, Output: "", Stderr: ErrCannotTranslate.Error(), Command: strPtr(command), SkipReview: true}, nil
	}

	if pattern, blocked := ScreenCommand(command); blocked {
		msg := fmt.Sprintf("%s: pattern %q", ErrDestructiveCommand, pattern)
		return &Result{Status: store.TaskFailed, Output: "", Stderr: msg, Command: &command, SkipReview: true}, nil
	}

	cwd := e.ws.Dir(dctx.SessionID)
	stdout, stderr, exitCode, runErr := e.runShell(ctx, cwd, command, e.cfg.ExecTimeout, dctx.Restricted)

	status := store.TaskDone
	if runErr != nil || exitCode != 0 {
		status = store.TaskFailed
	}
	return &Result{
		Status:   status,
		Output:   sanitize.Sanitize(stdout, secretValues),
		Stderr:   sanitize.Sanitize(joinRunErr(stderr, runErr), secretValues),
		Command:  &command,
		ExitCode: exitCode,
	}, nil
}

func (e *Executor) runSkill(ctx context.Context, dctx Context, secretValues []string) (*Result, error) {
	if dctx.Task.Skill == nil {
		return nil, fmt.Errorf("skill task %d has no skill name", dctx.Task.ID)
	}
	name := *dctx.Task.Skill
	manifest, err := e.skills.Get(name)
	if err != nil {
		return nil, fmt.Errorf("resolve skill %q: %w", name, err)
	}

	args := map[string]any{}
	if dctx.Task.Args != nil && *dctx.Task.Args != "" {
		if err := json.Unmarshal([]byte(*dctx.Task.Args), &args); err != nil {
			return nil, fmt.Errorf("skill %q: parse args: %w", name, err)
		}
	}

	var sessionSecrets map[string]string
	if dctx.Ephemeral != nil {
		sessionSecrets = dctx.Ephemeral.Subset(manifest.Kiso.Skill.SessionSecrets)
	}

	stdinPayload := skillStdin{
		Args:           args,
		Session:        dctx.SessionID,
		Workspace:      e.ws.Dir(dctx.SessionID),
		SessionSecrets: sessionSecrets,
		PlanOutputs:    dctx.PrecedingPlanOutputs,
	}
	stdinJSON, err := json.Marshal(stdinPayload)
	if err != nil {
		return nil, fmt.Errorf("marshal skill stdin: %w", err)
	}

	interpreter := manifest.Kiso.Deps.Python
	if interpreter == "" {
		interpreter = "python3"
	}
	runPy := filepath.Join(e.cfg.SkillsDir, name, "run.py")

	cwd := e.ws.Dir(dctx.SessionID)
	env := []string{"PATH=" + pathEnv()}
	if e.deploy != nil {
		for _, key := range manifest.Kiso.Skill.Env {
			if v, err := e.deploy.Get(key); err == nil {
				env = append(env, key+"="+v)
			}
		}
	}

	stdout, stderr, exitCode, runErr := e.runProcessWithStdin(ctx, cwd, interpreter, []string{runPy}, env, stdinJSON, e.cfg.SkillTimeout, dctx.Restricted)

	status := store.TaskDone
	if runErr != nil || exitCode != 0 {
		status = store.TaskFailed
	}
	return &Result{
		Status:   status,
		Output:   sanitize.Sanitize(stdout, secretValues),
		Stderr:   sanitize.Sanitize(joinRunErr(stderr, runErr), secretValues),
		ExitCode: exitCode,
	}, nil
}

func (e *Executor) runMsg(ctx context.Context, budget *llm.Budget, dctx Context, secretValues []string) (*Result, error) {
	text, err := e.pipeline.Message(ctx, budget, roles.MessengerContext{
		SessionSummary:       dctx.SessionSummary,
		Facts:                dctx.Facts,
		PrecedingPlanOutputs: dctx.PrecedingPlanOutputs,
		CurrentTaskDetail:    dctx.Task.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("messenger: %w", err)
	}
	return &Result{Status: store.TaskDone, Output: sanitize.Sanitize(text, secretValues)}, nil
}

func (e *Executor) runSearch(ctx context.Context, budget *llm.Budget, dctx Context, secretValues []string) (*Result, error) {
	digest, err := e.pipeline.Search(ctx, budget, roles.SearcherContext{
		Query:                dctx.Task.Detail,
		MaxResults:           dctx.SearchMaxResults,
		Lang:                 dctx.SearchLang,
		Country:              dctx.SearchCountry,
		PrecedingPlanOutputs: dctx.PrecedingPlanOutputs,
	})
	if err != nil {
		return nil, fmt.Errorf("searcher: %w", err)
	}
	return &Result{Status: store.TaskDone, Output: sanitize.Sanitize(digest, secretValues)}, nil
}

// skillStdin is the stdin JSON contract every skill subprocess receives (§6
// "Skill subprocess contract").
type skillStdin struct {
	Args           map[string]any           `json:"args"`
	Session        string                   `json:"session"`
	Workspace      string                   `json:"workspace"`
	SessionSecrets map[string]string        `json:"session_secrets"`
	PlanOutputs    []roles.PlanOutputEntry `json:"plan_outputs"`
}

// runShell runs command through a sub-shell with a clean environment
// containing only PATH (§4.3).
func (e *Executor) runShell(ctx context.Context, cwd, command string, timeout time.Duration, restricted *RestrictedUser) (stdout, stderr string, exitCode int, err error) {
	return e.runProcessWithStdin(ctx, cwd, "/bin/sh", []string{"-c", command}, []string{"PATH=" + pathEnv()}, nil, timeout, restricted)
}

// runProcessWithStdin spawns name with args, a clean env, and an optional
// stdin payload, capturing stdout/stderr separately, each under its own
// MaxOutputBytes cap (there is no cap on the two combined), with a
// kill-on-timeout policy (§4.3).
func (e *Executor) runProcessWithStdin(ctx context.Context, cwd, name string, args, env []string, stdin []byte, timeout time.Duration, restricted *RestrictedUser) (stdout, stderr string, exitCode int, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = cwd
	cmd.Env = env
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	applyRestriction(cmd, restricted)

	var outBuf, errBuf boundedBuffer
	outBuf.limit = e.cfg.MaxOutputBytes
	errBuf.limit = e.cfg.MaxOutputBytes
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()

	stdout = outBuf.String()
	stderr = errBuf.String()

	if ctx.Err() == context.DeadlineExceeded {
		return stdout, stderr, -1, fmt.Errorf("timed out after %s", timeout)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		return stdout, stderr, -1, fmt.Errorf("run %s: %w", name, runErr)
	}

	return stdout, stderr, 0, nil
}

// boundedBuffer is an io.Writer that caps total bytes written, appending a
// truncation notice once the limit is exceeded (§4.3: "cap total output at a
// configurable ceiling ... with a truncation notice").
type boundedBuffer struct {
	buf        bytes.Buffer
	limit      int64
	truncated  bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		b.buf.WriteString("\n... [output truncated]")
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		b.buf.WriteString("\n... [output truncated]")
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string { return b.buf.String() }

func joinRunErr(stderr string, err error) string {
	if err == nil {
		return stderr
	}
	if stderr == "" {
		return err.Error()
	}
	return stderr + "\n" + err.Error()
}

func strPtr(s string) *string { return &s }

// pathEnv returns the server process's own PATH, the only environment
// variable an exec/skill sub-process inherits (§4.3 "a clean environment
// containing only PATH").
func pathEnv() string { return os.Getenv("PATH") }

var _ io.Writer = (*boundedBuffer)(nil)

// applyRestriction sets the sub-process's effective uid/gid when a
// non-admin caller's restricted OS user is given; a nil restricted leaves
// the process running as the server's own user (admin role, §4.3).
func applyRestriction(cmd *exec.Cmd, restricted *RestrictedUser) {
	if restricted == nil {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: restricted.UID, Gid: restricted.GID},
	}
}
