// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	custom_errors "workflow-crawler/internal/errors"
	"workflow-crawler/internal/model"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	LogFile               string        `mapstructure:"LOG_FILE"`
	DBURL                 string        `mapstructure:"DB_URL"`
	GithubTokens          []string      `mapstructure:"GITHUB_TOKENS"`
	GithubToken           string        `mapstructure:"GITHUB_TOKEN"`
	Repos                 []string      `mapstructure:"REPOS"`
	Workflows             []string      `mapstructure:"WORKFLOWS"`
	Threads               int           `mapstructure:"THREADS"`
	ResumeNext            bool          `mapstructure:"RESUME_NEXT"`
	AllBranches           bool          `mapstructure:"ALL_BRANCHES"`
	AllTags               bool          `mapstructure:"ALL_TAGS"`
	IncludeForks          bool          `mapstructure:"INCLUDE_FORKS"`
	IncludeArchived       bool          `mapstructure:"INCLUDE_ARCHIVED"`
	APIBaseURL            string        `mapstructure:"API_BASE_URL"`
	RawBaseURL            string        `mapstructure:"RAW_BASE_URL"`
	RateLimitPause        time.Duration `mapstructure:"RATE_LIMIT_PAUSE"`
	ServerErrorPause      time.Duration `mapstructure:"SERVER_ERROR_PAUSE"`
	MaxServerErrorRetries int           `mapstructure:"MAX_SERVER_ERROR_RETRIES"`
	ListenAddr            string        `mapstructure:"LISTEN_ADDR"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":        "LOG_LEVEL",
	"log-file":         "LOG_FILE",
	"db":               "DB_URL",
	"token":            "GITHUB_TOKENS",
	"repo":             "REPOS",
	"workflow":         "WORKFLOWS",
	"threads":          "THREADS",
	"resume-next":      "RESUME_NEXT",
	"all-branches":     "ALL_BRANCHES",
	"all-tags":         "ALL_TAGS",
	"include-forks":    "INCLUDE_FORKS",
	"include-archived": "INCLUDE_ARCHIVED",
	"listen":           "LISTEN_ADDR",
}

// RegisterCrawlFlags adds the crawl flags to fs.
func RegisterCrawlFlags(fs *pflag.FlagSet) {
	RegisterCommonFlags(fs)
	fs.StringSlice("token", nil, "GitHub token (repeatable)")
	fs.StringSlice("repo", nil, "organisation, repository, or ./batch-file to crawl (repeatable)")
	fs.StringSlice("workflow", nil, "only download workflows with these names")
	fs.Int("threads", 1, "number of concurrent workers")
	fs.Bool("resume-next", true, "wait and resume when the rate limit is exhausted")
	fs.Bool("all-branches", false, "crawl every branch of the given repositories")
	fs.Bool("all-tags", false, "crawl every tag of the given repositories")
	fs.Bool("include-forks", false, "include forked repositories when crawling organisations")
	fs.Bool("include-archived", false, "include archived repositories when crawling organisations")
}

// RegisterServeFlags adds the serve flags to fs.
func RegisterServeFlags(fs *pflag.FlagSet) {
	RegisterCommonFlags(fs)
	fs.String("listen", ":8080", "address the status API listens on")
}

// RegisterCommonFlags adds the flags shared by every command to fs.
func RegisterCommonFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-file", "", "also write logs to this rotating file")
	fs.String("db", "crawler.db", "SQLite file or postgres:// URL")
}

// LoadConfig reads configuration from defaults, the .env file, environment variables,
// and any flags in fs that were explicitly set, in increasing order of precedence.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("DB_URL", "crawler.db")
	v.SetDefault("GITHUB_TOKENS", []string{})
	v.SetDefault("GITHUB_TOKEN", "")
	v.SetDefault("REPOS", []string{})
	v.SetDefault("WORKFLOWS", []string{})
	v.SetDefault("THREADS", 1)
	v.SetDefault("RESUME_NEXT", true)
	v.SetDefault("ALL_BRANCHES", false)
	v.SetDefault("ALL_TAGS", false)
	v.SetDefault("INCLUDE_FORKS", false)
	v.SetDefault("INCLUDE_ARCHIVED", false)
	v.SetDefault("API_BASE_URL", "https://api.github.com")
	v.SetDefault("RAW_BASE_URL", "https://raw.githubusercontent.com")
	v.SetDefault("RATE_LIMIT_PAUSE", "5m")
	v.SetDefault("SERVER_ERROR_PAUSE", "2m")
	v.SetDefault("MAX_SERVER_ERROR_RETRIES", 5)
	v.SetDefault("LISTEN_ADDR", ":8080")

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flag, key := range flagKeys {
			f := fs.Lookup(flag)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.GithubTokens = splitList(append(cfg.GithubTokens, cfg.GithubToken))
	cfg.Workflows = splitList(cfg.Workflows)
	repos, err := expandBatchFiles(splitList(cfg.Repos))
	if err != nil {
		return nil, err
	}
	cfg.Repos = repos

	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.MaxServerErrorRetries < 0 {
		cfg.MaxServerErrorRetries = 0
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}

	return &cfg, nil
}

// ValidateCrawl checks the settings a crawl needs before any network activity.
func (c *Config) ValidateCrawl() error {
	if len(c.GithubTokens) == 0 {
		return &custom_errors.ErrInvalidConfig{Key: "GITHUB_TOKENS", Reason: "at least one token is required"}
	}
	if len(c.Repos) == 0 {
		return &custom_errors.ErrInvalidConfig{Key: "REPOS", Reason: "at least one organisation or repository is required"}
	}
	for _, r := range c.Repos {
		t := model.ParseTarget(r)
		if !t.Valid() {
			return &custom_errors.ErrInvalidRepoFormat{Repo: r}
		}
		if t.IsOrg() && (c.AllBranches || c.AllTags) {
			return &custom_errors.ErrInvalidOrgFormat{Org: r, Reason: "--all-branches and --all-tags only apply to repositories"}
		}
	}
	return nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// expandBatchFiles replaces entries that point at files with the targets they contain.
// The result is deduplicated and sorted.
func expandBatchFiles(items []string) ([]string, error) {
	seen := make(map[string]bool)
	for _, item := range items {
		if !strings.HasPrefix(item, "./") && !strings.HasPrefix(item, "/") {
			seen[item] = true
			continue
		}
		lines, err := readLines(item)
		if err != nil {
			return nil, &custom_errors.ErrInvalidConfig{Key: "REPOS", Reason: fmt.Sprintf("cannot read batch file %s: %v", item, err)}
		}
		for _, line := range lines {
			seen[line] = true
		}
	}

	out := make([]string, 0, len(seen))
	for item := range seen {
		out = append(out, item)
	}
	sort.Strings(out)
	return out, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
