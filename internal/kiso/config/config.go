// Package config loads config.toml (server, model, and policy settings).
// The provider API key is the one setting §6's "Persisted layout" config.toml
// should not have to carry in plaintext, so it is read from the process
// environment via common/environment, overriding whatever config.toml sets,
// the same env-var-or-default idiom the teacher's own package documents.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/kiso-run/kiso/common/environment"
	"github.com/kiso-run/kiso/internal/kiso/executor"
	"github.com/kiso-run/kiso/internal/kiso/llm"
	"github.com/kiso-run/kiso/internal/kiso/plan"
	"github.com/kiso-run/kiso/internal/kiso/roles"
)

// ServerSection is config.toml's [server] table: process-wide paths and the
// bearer tokens accepted on the HTTP surface (§6 "matching a named token in
// configuration").
type ServerSection struct {
	Addr              string            `toml:"addr"`
	DBPath            string            `toml:"db_path"`
	SessionsDir       string            `toml:"sessions_dir"`
	AuditDir          string            `toml:"audit_dir"`
	SkillsDir         string            `toml:"skills_dir"`
	RolesDir          string            `toml:"roles_dir"`
	DeploySecretsPath string            `toml:"deploy_secrets_path"`
	Tokens            map[string]string `toml:"tokens"`
	WebhookAllowlist  []string          `toml:"webhook_allowlist"`
	// QueueCapacity bounds each session's in-memory queue (§4.1).
	QueueCapacity int `toml:"queue_capacity"`
	// IdleTimeout is worker_idle_timeout (§4.1), parsed as a Go duration
	// string (e.g. "5m").
	IdleTimeout time.Duration `toml:"idle_timeout"`
}

// LLMSection is config.toml's [llm] table, the settings handed to the
// OpenAI-compatible transport (C4).
type LLMSection struct {
	APIKey  string        `toml:"api_key"`
	BaseURL string        `toml:"base_url"`
	Timeout time.Duration `toml:"timeout"`
}

// PlanSection is config.toml's [plan] table, mapping directly onto
// plan.Config's tunables (§4.1/§4.2/§4.6/§5).
type PlanSection struct {
	MaxValidationRetries  int     `toml:"max_validation_retries"`
	MaxReplanDepth        int     `toml:"max_replan_depth"`
	SummarizeThreshold    int     `toml:"summarize_threshold"`
	KnowledgeMaxFacts     int     `toml:"knowledge_max_facts"`
	FactDecayRate         float64 `toml:"fact_decay_rate"`
	FactDecayDays         int     `toml:"fact_decay_days"`
	FactArchiveThreshold  float64 `toml:"fact_archive_threshold"`
	RecentMessageWindow   int     `toml:"recent_message_window"`
	RecentMsgOutputWindow int     `toml:"recent_msg_output_window"`
	LLMCallBudget         int     `toml:"llm_call_budget"`
	SearchMaxResults      int     `toml:"search_max_results"`
	SearchLang            string  `toml:"search_lang"`
	SearchCountry         string  `toml:"search_country"`
}

// ExecutorSection is config.toml's [executor] table.
type ExecutorSection struct {
	ExecTimeout    time.Duration `toml:"exec_timeout"`
	SkillTimeout   time.Duration `toml:"skill_timeout"`
	MaxOutputBytes int64         `toml:"max_output_bytes"`
	// RestrictedUID/RestrictedGID are the OS credential non-admin sessions'
	// exec/skill sub-processes run under (§4.3). Zero means no restriction
	// is applied, the admin-role behavior, so leaving both unset on a
	// single-tenant deployment is a valid (if less isolated) choice.
	RestrictedUID uint32 `toml:"restricted_uid"`
	RestrictedGID uint32 `toml:"restricted_gid"`
}

// WebhookSection is config.toml's [webhook] table.
type WebhookSection struct {
	Timeout time.Duration `toml:"timeout"`
}

// ModelsSection is config.toml's [models] table, mapping role names onto
// the provider model configured to serve them.
type ModelsSection struct {
	Default        string `toml:"default"`
	Planner        string `toml:"planner"`
	Reviewer       string `toml:"reviewer"`
	ExecTranslator string `toml:"exec_translator"`
	Messenger      string `toml:"messenger"`
	Searcher       string `toml:"searcher"`
	Summarizer     string `toml:"summarizer"`
	Curator        string `toml:"curator"`
	Paraphraser    string `toml:"paraphraser"`
}

// ModelSet converts the parsed [models] table into roles.ModelSet.
func (m ModelsSection) ModelSet() roles.ModelSet {
	return roles.ModelSet{
		Default:        m.Default,
		Planner:        m.Planner,
		Reviewer:       m.Reviewer,
		ExecTranslator: m.ExecTranslator,
		Messenger:      m.Messenger,
		Searcher:       m.Searcher,
		Summarizer:     m.Summarizer,
		Curator:        m.Curator,
		Paraphraser:    m.Paraphraser,
	}
}

// UserEntry is one [[users]] table entry: a caller identity's role and
// allowed-skill set (§4.2 step 7, §4.3).
type UserEntry struct {
	ID            string   `toml:"id"`
	Role          string   `toml:"role"`
	AllowedSkills []string `toml:"allowed_skills"`
}

// Config is the fully parsed contents of config.toml.
type Config struct {
	Server   ServerSection   `toml:"server"`
	LLM      LLMSection      `toml:"llm"`
	Models   ModelsSection   `toml:"models"`
	Plan     PlanSection     `toml:"plan"`
	Executor ExecutorSection `toml:"executor"`
	Webhook  WebhookSection  `toml:"webhook"`
	Users    []UserEntry     `toml:"users"`
}

// Load reads and parses config.toml at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.withDefaults()
	return &cfg, nil
}

func (c *Config) withDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "store.db"
	}
	if c.Server.SessionsDir == "" {
		c.Server.SessionsDir = "sessions"
	}
	if c.Server.AuditDir == "" {
		c.Server.AuditDir = "audit"
	}
	if c.Server.SkillsDir == "" {
		c.Server.SkillsDir = "skills"
	}
	if c.Server.RolesDir == "" {
		c.Server.RolesDir = "roles"
	}
	if c.Server.DeploySecretsPath == "" {
		c.Server.DeploySecretsPath = ".env"
	}
	if c.Server.QueueCapacity <= 0 {
		c.Server.QueueCapacity = 64
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 5 * time.Minute
	}
	if v, ok := environment.String("KISO_LLM_API_KEY"); ok {
		c.LLM.APIKey = v
	}
}

// PlanConfig translates the [plan] table into plan.Config.
func (c *Config) PlanConfig() plan.Config {
	return plan.Config{
		MaxValidationRetries:  c.Plan.MaxValidationRetries,
		MaxReplanDepth:        c.Plan.MaxReplanDepth,
		SummarizeThreshold:    c.Plan.SummarizeThreshold,
		KnowledgeMaxFacts:     c.Plan.KnowledgeMaxFacts,
		FactDecayRate:         c.Plan.FactDecayRate,
		FactDecayDays:         c.Plan.FactDecayDays,
		FactArchiveThreshold:  c.Plan.FactArchiveThreshold,
		RecentMessageWindow:   c.Plan.RecentMessageWindow,
		RecentMsgOutputWindow: c.Plan.RecentMsgOutputWindow,
		LLMCallBudget:         c.Plan.LLMCallBudget,
		SearchMaxResults:      c.Plan.SearchMaxResults,
		SearchLang:            c.Plan.SearchLang,
		SearchCountry:         c.Plan.SearchCountry,
	}
}

// ExecutorConfig translates the [executor] table into executor.Config.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		ExecTimeout:    c.Executor.ExecTimeout,
		SkillTimeout:   c.Executor.SkillTimeout,
		MaxOutputBytes: c.Executor.MaxOutputBytes,
		SkillsDir:      c.Server.SkillsDir,
	}
}

// OpenAIConfig translates the [llm] table into llm.OpenAIConfig.
func (c *Config) OpenAIConfig() llm.OpenAIConfig {
	return llm.OpenAIConfig{
		APIKey:  c.LLM.APIKey,
		BaseURL: c.LLM.BaseURL,
		Timeout: c.LLM.Timeout,
	}
}

// TokenName returns the configured token name matching the given bearer
// token value, for the HTTP layer's auth check and connector-alias lookup
// (§6: "the token's name is logged and used to pick the connector's alias
// namespace when resolving user").
func (c *Config) TokenName(token string) (string, bool) {
	for name, v := range c.Server.Tokens {
		if v == token {
			return name, true
		}
	}
	return "", false
}

// WebhookAllowed reports whether host appears in the configured allow-list,
// the escape hatch §6's "Validates webhook URL" rule permits.
func (c *Config) WebhookAllowed(host string) bool {
	for _, h := range c.Server.WebhookAllowlist {
		if h == host {
			return true
		}
	}
	return false
}
