// Package config loads the fabric's environment-sourced configuration
// surface (spec §6) into an explicit struct — no open-ended maps. A
// .env file is loaded first, if present, then overridden by real
// environment variables, matching a common dev-convenience pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/justnews/fabric/pkg/apierr"
)

// Config holds every recognized environment option.
type Config struct {
	DBURL            string
	StreamURL        string
	VectorStoreURL   string
	VectorCollection string

	RawHTMLDir string

	ArticleExtractorPrimary  string
	ArticleURLHashAlgo       string
	ArticleURLNormalization  string
	ArticleMinWords          int
	ArticleMinTextHTMLRatio  float64
	ArticleEmbeddingModel    string

	OrchLeaseTTL             time.Duration
	OrchClaimStaleness       time.Duration
	OrchMaxJobAttempts       int
	OrchReclaimInterval      time.Duration
	OrchLeaderLockName       string
	OrchAllowUnprobedGPU     bool
	OrchAgentModelMapPath    string

	MCPBusURL string

	VLLMAdapterPaths []string

	CrawlSchedulePath   string
	CrawlProfilesDir    string
	CrawlCronExpr       string
	CrawlGlobalBudget   int
	CrawlHistoryDir     string

	StageBMetricsPath string
}

// Load reads .env (if present) then the process environment, applying
// the documented defaults for anything unset. requireOrchestrator
// additionally requires STREAM_URL, which only the orchestrator process
// needs.
func Load(requireOrchestrator bool) (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := &Config{
		RawHTMLDir:              getEnv("JUSTNEWS_RAW_HTML_DIR", "./archive_storage/raw_html"),
		ArticleExtractorPrimary: getEnv("ARTICLE_EXTRACTOR_PRIMARY", "trafilatura"),
		ArticleURLHashAlgo:      getEnv("ARTICLE_URL_HASH_ALGO", "sha256"),
		ArticleURLNormalization: getEnv("ARTICLE_URL_NORMALIZATION", "strict"),
		ArticleEmbeddingModel:   getEnv("ARTICLE_EMBEDDING_MODEL", "all-MiniLM-L6-v2"),
		OrchLeaderLockName:      getEnv("ORCH_LEADER_LOCK_NAME", "orchestrator_leader"),
		OrchAgentModelMapPath:   getEnv("AGENT_MODEL_MAP_PATH", "./config/agent_model_map.yaml"),
		MCPBusURL:               getEnv("MCP_BUS_URL", ""),
		CrawlSchedulePath:       getEnv("CRAWL_SCHEDULE_PATH", "./config/crawl_schedule.yaml"),
		CrawlProfilesDir:        getEnv("CRAWL_PROFILES_DIR", "./config/crawl_profiles"),
		CrawlCronExpr:           getEnv("CRAWL_CRON_EXPR", "0 * * * *"),
		CrawlHistoryDir:         getEnv("CRAWL_HISTORY_DIR", "./archive_storage/crawl_history"),
		StageBMetricsPath:       getEnv("STAGE_B_METRICS_PATH", "./metrics/stage_b.prom"),
		DBURL:                   getEnv("DB_URL", ""),
		StreamURL:               getEnv("STREAM_URL", ""),
		VectorStoreURL:          getEnv("VECTOR_STORE_URL", ""),
		VectorCollection:        getEnv("VECTOR_COLLECTION", ""),
	}

	var err error
	if cfg.ArticleMinWords, err = getEnvInt("ARTICLE_MIN_WORDS", 120); err != nil {
		return nil, err
	}
	if cfg.ArticleMinTextHTMLRatio, err = getEnvFloat("ARTICLE_MIN_TEXT_HTML_RATIO", 0.25); err != nil {
		return nil, err
	}

	leaseTTL, err := getEnvInt("ORCH_LEASE_TTL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	cfg.OrchLeaseTTL = time.Duration(leaseTTL) * time.Second

	staleness, err := getEnvInt("ORCH_CLAIM_STALENESS_SECONDS", 120)
	if err != nil {
		return nil, err
	}
	cfg.OrchClaimStaleness = time.Duration(staleness) * time.Second

	if cfg.OrchMaxJobAttempts, err = getEnvInt("ORCH_MAX_JOB_ATTEMPTS", 5); err != nil {
		return nil, err
	}

	reclaimInterval, err := getEnvInt("ORCH_RECLAIM_INTERVAL_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.OrchReclaimInterval = time.Duration(reclaimInterval) * time.Second

	cfg.OrchAllowUnprobedGPU = getEnvBool("ORCH_ALLOW_UNPROBED_GPU", false)
	cfg.VLLMAdapterPaths = splitNonEmpty(os.Getenv("VLLM_ADAPTER_PATHS"))

	if cfg.CrawlGlobalBudget, err = getEnvInt("CRAWL_GLOBAL_BUDGET", 500); err != nil {
		return nil, err
	}

	if cfg.DBURL == "" {
		return nil, apierr.New("config.load", apierr.KindValidation, "DB_URL is required")
	}
	if requireOrchestrator && cfg.StreamURL == "" {
		return nil, apierr.New("config.load", apierr.KindValidation, "STREAM_URL is required for the orchestrator")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apierr.Wrapf("config.load", apierr.KindValidation, err, "%s must be an integer", key)
	}
	return n, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apierr.Wrapf("config.load", apierr.KindValidation, err, "%s must be a float", key)
	}
	return f, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ':' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// String renders a redacted view safe for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("db=%s stream=%s mcp_bus=%s lease_ttl=%s reclaim_interval=%s",
		redactURL(c.DBURL), redactURL(c.StreamURL), c.MCPBusURL, c.OrchLeaseTTL, c.OrchReclaimInterval)
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	return "<redacted>"
}
