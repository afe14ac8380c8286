package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level formsync config.
	WorkspaceDirName = ".formsync"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for formsync.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Target    TargetConfig    `yaml:"target"`
	Browser   BrowserConfig   `yaml:"browser"`
	Cache     CacheConfig     `yaml:"cache"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Mapping   MappingConfig   `yaml:"mapping"`
	Fill      FillConfig      `yaml:"fill"`
	LLM       LLMConfig       `yaml:"llm"`
	Store     StoreConfig     `yaml:"store"`
	Mangle    MangleConfig    `yaml:"mangle"`
	MCP       MCPConfig       `yaml:"mcp"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	TraceDir string `yaml:"trace_dir"`
}

// TargetConfig describes the remote data-entry system and how to log in.
// Credentials are never stored here, only the names of the env vars holding them.
type TargetConfig struct {
	BaseURL       string `yaml:"base_url"`
	LoginPath     string `yaml:"login_path"`
	DataEntryPath string `yaml:"data_entry_path"`
	UsernameEnv   string `yaml:"username_env"`
	PasswordEnv   string `yaml:"password_env"`
	// DefaultProgram is used when a record does not name one.
	DefaultProgram string `yaml:"default_program"`
	// DefaultPeriod is selected when a record does not name one.
	DefaultPeriod string `yaml:"default_period"`
	// DefaultLocation is a comma-separated location path used when neither
	// the record nor the caller names one.
	DefaultLocation string `yaml:"default_location"`
	// SubmitURLPatterns lists substrings of the create/update endpoint; the
	// submit response must contain one of them. Per-cell autosave calls such
	// as /api/dataValues must not match.
	SubmitURLPatterns []string `yaml:"submit_url_patterns"`
	// ProgramSubmitURLPatterns overrides SubmitURLPatterns for one program.
	ProgramSubmitURLPatterns map[string][]string `yaml:"program_submit_url_patterns"`
	// SubmitMethod is the HTTP method of the create/update call.
	SubmitMethod string    `yaml:"submit_method"`
	Selectors    Selectors `yaml:"selectors"`
}

// Selectors holds the CSS selectors for the fixed chrome of the target UI.
// Form fields themselves are never configured here; they come from discovery.
type Selectors struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	LoginButton    string `yaml:"login_button"`
	LoggedInMarker string `yaml:"logged_in_marker"`
	OrgTreeRoot    string `yaml:"org_tree_root"`
	Tabs           string `yaml:"tabs"`
	FormRoot       string `yaml:"form_root"`
	Period         string `yaml:"period"`
	Validate       string `yaml:"validate"`
	Submit         string `yaml:"submit"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome (e.g., ["chromium", "--no-sandbox"]).
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Stealth applies go-rod/stealth evasions to every page.
	Stealth bool `yaml:"stealth"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Timeout for a single element read/write (e.g., "5s").
	DefaultElementTimeout string `yaml:"default_element_timeout"`
	// Attempts for a transient navigation/element fault, including the first.
	MaxRetries int `yaml:"max_retries"`
	// Initial backoff between attempts; doubled each retry.
	RetryBackoff string `yaml:"retry_backoff"`
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

// CacheConfig controls the remote structure cache.
type CacheConfig struct {
	Dir          string `yaml:"dir"`
	FieldsTTL    string `yaml:"fields_ttl"`
	LocationsTTL string `yaml:"locations_ttl"`
	// VerifyFingerprint re-counts live fields before trusting a valid fields cache.
	VerifyFingerprint bool `yaml:"verify_fingerprint"`
}

type DiscoveryConfig struct {
	MaxParallelTabs int `yaml:"max_parallel_tabs"`
	MaxTreeDepth    int `yaml:"max_tree_depth"`
	// TabSettle is how long to wait after switching tabs before reading the DOM.
	TabSettle string `yaml:"tab_settle"`
}

// MappingConfig holds the empirically tuned resolver parameters.
type MappingConfig struct {
	AcceptThreshold      float64 `yaml:"accept_threshold"`
	FuzzyThreshold       float64 `yaml:"fuzzy_threshold"`
	CategoryWeight       float64 `yaml:"category_weight"`
	SubcategoryWeight    float64 `yaml:"subcategory_weight"`
	AgeGroupWeight       float64 `yaml:"age_group_weight"`
	GenderWeight         float64 `yaml:"gender_weight"`
	ConditionWeight      float64 `yaml:"condition_weight"`
	LocationWeight       float64 `yaml:"location_weight"`
	GenderMismatchScore  float64 `yaml:"gender_mismatch_score"`
	LLMConfidence        float64 `yaml:"llm_confidence"`
	MaxLLMCandidateCount int     `yaml:"max_llm_candidates"`
}

type FillConfig struct {
	ResponseTimeout string `yaml:"response_timeout"`
	// MinFillRate below which the run is logged as likely drift.
	MinFillRate float64 `yaml:"min_fill_rate"`
	// ValidateBeforeSubmit clicks selectors.validate and screenshots the
	// result before submitting.
	ValidateBeforeSubmit bool `yaml:"validate_before_submit"`
}

// LLMConfig configures the optional Gemini-backed mapping suggester.
type LLMConfig struct {
	Enable      bool    `yaml:"enable"`
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float32 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// MangleConfig controls the embedded run-fact engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig provides reasonable defaults for a DHIS2-style target.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "formsync",
			Version:  "0.3.0",
			TraceDir: "data/traces",
		},
		Target: TargetConfig{
			LoginPath:        "/dhis-web-commons/security/login.action",
			DataEntryPath:    "/dhis-web-dataentry/index.action",
			UsernameEnv:      "FORMSYNC_USERNAME",
			PasswordEnv:      "FORMSYNC_PASSWORD",
			DefaultProgram:   "default",
			SubmitURLPatterns: []string{
				"/dataValueSets",
				"/completeDataSetRegistrations",
				"/tracker",
			},
			SubmitMethod:     "POST",
			Selectors: Selectors{
				Username:       "#username",
				Password:       "#password",
				LoginButton:    `button[type="submit"]`,
				LoggedInMarker: `[data-test="headerbar-apps-icon"]`,
				OrgTreeRoot:    "#orgUnitTree",
				Tabs:           "ul.ui-tabs-nav",
				FormRoot:       "#contentDiv",
				Period:         "#selectedPeriodId",
				Validate:       "#validateButton",
				Submit:         "#completeButton",
			},
		},
		Browser: BrowserConfig{
			DefaultNavigationTimeout: "15s",
			DefaultElementTimeout:    "5s",
			MaxRetries:               3,
			RetryBackoff:             "500ms",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Cache: CacheConfig{
			Dir:               "data/cache",
			FieldsTTL:         "24h",
			LocationsTTL:      "168h",
			VerifyFingerprint: true,
		},
		Discovery: DiscoveryConfig{
			MaxParallelTabs: 1,
			MaxTreeDepth:    6,
			TabSettle:       "1s",
		},
		Mapping: MappingConfig{
			AcceptThreshold:      0.5,
			FuzzyThreshold:       0.55,
			CategoryWeight:       0.4,
			SubcategoryWeight:    0.1,
			AgeGroupWeight:       0.3,
			GenderWeight:         0.2,
			ConditionWeight:      0.1,
			LocationWeight:       0.2,
			GenderMismatchScore:  -10,
			LLMConfidence:        0.6,
			MaxLLMCandidateCount: 200,
		},
		Fill: FillConfig{
			ResponseTimeout: "8s",
			MinFillRate:     0.5,
		},
		LLM: LLMConfig{
			Enable:      false,
			Model:       "gemini-2.5-flash",
			APIKeyEnv:   "GEMINI_API_KEY",
			Temperature: 0,
			Timeout:     "20s",
		},
		Store: StoreConfig{
			Path: "data/formsync.db",
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "formsync.log",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .formsync/config.yaml file.
// Returns the workspace root directory (parent of .formsync/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace merges, in order:
//
//	DefaultConfig() <- .formsync/config.yaml <- explicit --config
//
// Relative paths in the workspace file are resolved against the workspace root.
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", err)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .formsync/ directory with a template config.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# formsync project-level configuration
# Values here override defaults but are overridden by --config.
# Credentials are read from the environment variables named below.

target:
  base_url: "https://hmis.example.org"
#  default_program: "opd"
#  username_env: FORMSYNC_USERNAME
#  password_env: FORMSYNC_PASSWORD

# cache:
#   dir: ".formsync/data/cache"
#   fields_ttl: "24h"
#   locations_ttl: "168h"

# mapping:
#   accept_threshold: 0.5

# llm:
#   enable: true
#   api_key_env: GEMINI_API_KEY
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (cache, traces, audit db) - do not version control\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.TraceDir = resolve(cfg.Server.TraceDir)
	cfg.Cache.Dir = resolve(cfg.Cache.Dir)
	cfg.Store.Path = resolve(cfg.Store.Path)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Logging.File = resolve(cfg.Logging.File)
	return cfg
}

// Validate ensures required fields exist so runs start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Target.BaseURL == "" {
		return errors.New("target.base_url is required")
	}
	if c.Cache.Dir == "" {
		return errors.New("cache.dir is required")
	}
	if c.Mapping.AcceptThreshold < 0 || c.Mapping.AcceptThreshold > 1.3 {
		return fmt.Errorf("mapping.accept_threshold must be within [0, 1.3], got %v", c.Mapping.AcceptThreshold)
	}
	if len(c.Target.SubmitPatterns("")) == 0 {
		return errors.New("target.submit_url_patterns must not be empty")
	}
	for program, patterns := range c.Target.ProgramSubmitURLPatterns {
		if len(nonEmpty(patterns)) == 0 {
			return fmt.Errorf("target.program_submit_url_patterns.%s must not be empty", program)
		}
	}
	if c.Discovery.MaxParallelTabs < 0 {
		return errors.New("discovery.max_parallel_tabs must not be negative")
	}
	return nil
}

// Credentials reads the login pair from the configured environment variables.
func (t TargetConfig) Credentials() (string, string, error) {
	user := os.Getenv(t.UsernameEnv)
	pass := os.Getenv(t.PasswordEnv)
	if user == "" || pass == "" {
		return "", "", fmt.Errorf("missing credentials: set %s and %s", t.UsernameEnv, t.PasswordEnv)
	}
	return user, pass, nil
}

// SubmitPatterns returns the submit URL patterns for program, falling back
// to the target-wide list.
func (t TargetConfig) SubmitPatterns(program string) []string {
	if p := nonEmpty(t.ProgramSubmitURLPatterns[program]); program != "" && len(p) > 0 {
		return p
	}
	return nonEmpty(t.SubmitURLPatterns)
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// URL joins the base URL with a target path.
func (t TargetConfig) URL(path string) string {
	if path == "" {
		return t.BaseURL
	}
	if len(t.BaseURL) > 0 && t.BaseURL[len(t.BaseURL)-1] == '/' && path[0] == '/' {
		return t.BaseURL + path[1:]
	}
	return t.BaseURL + path
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// ElementTimeout returns the parsed per-element timeout with a sane default.
func (b BrowserConfig) ElementTimeout() time.Duration {
	return parseDuration(b.DefaultElementTimeout, 5*time.Second)
}

// Backoff returns the initial retry backoff.
func (b BrowserConfig) Backoff() time.Duration {
	return parseDuration(b.RetryBackoff, 500*time.Millisecond)
}

// Attempts returns the bounded attempt count for transient faults (1..5).
func (b BrowserConfig) Attempts() int {
	switch {
	case b.MaxRetries <= 0:
		return 3
	case b.MaxRetries > 5:
		return 5
	}
	return b.MaxRetries
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// GetFieldsTTL returns the field inventory freshness window (sub-day by default).
func (c CacheConfig) GetFieldsTTL() time.Duration {
	return parseDuration(c.FieldsTTL, 24*time.Hour)
}

// GetLocationsTTL returns the location hierarchy freshness window (multi-day by default).
func (c CacheConfig) GetLocationsTTL() time.Duration {
	return parseDuration(c.LocationsTTL, 168*time.Hour)
}

func (d DiscoveryConfig) GetTabSettle() time.Duration {
	return parseDuration(d.TabSettle, time.Second)
}

// ParallelTabs returns the bounded concurrency for tab discovery.
func (d DiscoveryConfig) ParallelTabs() int {
	if d.MaxParallelTabs <= 0 {
		return 1
	}
	return d.MaxParallelTabs
}

func (f FillConfig) GetResponseTimeout() time.Duration {
	return parseDuration(f.ResponseTimeout, 8*time.Second)
}

func (l LLMConfig) GetTimeout() time.Duration {
	return parseDuration(l.Timeout, 20*time.Second)
}
