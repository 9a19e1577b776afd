package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiso-run/kiso/common/version"
	"github.com/kiso-run/kiso/internal/kiso/audit"
	"github.com/kiso-run/kiso/internal/kiso/config"
	"github.com/kiso-run/kiso/internal/kiso/delivery"
	"github.com/kiso-run/kiso/internal/kiso/executor"
	"github.com/kiso-run/kiso/internal/kiso/httpapi"
	"github.com/kiso-run/kiso/internal/kiso/llm"
	"github.com/kiso-run/kiso/internal/kiso/plan"
	"github.com/kiso-run/kiso/internal/kiso/roles"
	"github.com/kiso-run/kiso/internal/kiso/secrets"
	"github.com/kiso-run/kiso/internal/kiso/skills"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/worker"
	"github.com/kiso-run/kiso/internal/kiso/workspace"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to config.toml")
	flag.Parse()

	fmt.Printf("Kiso agent orchestration server\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	deploy, err := secrets.NewDeploySecrets(cfg.Server.DeploySecretsPath)
	if err != nil {
		return fmt.Errorf("load deploy secrets: %w", err)
	}

	auditSink := audit.NewFileSink(cfg.Server.AuditDir)

	transport := llm.NewOpenAITransport(cfg.OpenAIConfig())
	gateway := llm.NewGateway(transport)
	prompts := roles.NewPromptRegistry(os.DirFS(cfg.Server.RolesDir))
	pipeline := roles.NewPipeline(gateway, prompts, cfg.Models.ModelSet())

	skillsReg := skills.NewRegistry(os.DirFS(cfg.Server.SkillsDir))
	ws := workspace.NewRoot(cfg.Server.SessionsDir)
	exec := executor.New(pipeline, skillsReg, ws, deploy, cfg.ExecutorConfig())
	deliverer := delivery.New(cfg.Webhook.Timeout)
	access := config.NewAccess(cfg)

	rt := plan.New(st, pipeline, exec, deliverer, auditSink, ws, skillsReg, deploy, access, cfg.PlanConfig())
	scheduler := worker.NewScheduler(rt, cfg.Server.QueueCapacity, cfg.Server.IdleTimeout)

	slog.Info("kiso: running startup recovery")
	result, err := scheduler.Recover(ctx, st)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	slog.Info("kiso: startup recovery complete",
		"tasks_failed", result.TasksFailed, "plans_failed", result.PlansFailed, "replayed", len(result.PendingReplays))

	api := httpapi.New(ctx, cfg, st, access, scheduler, ws, deploy)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	server := &http.Server{
		Handler:      api,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("kiso: http server listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("kiso: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("kiso: http server shutdown error", "error", err)
	}
	return nil
}
