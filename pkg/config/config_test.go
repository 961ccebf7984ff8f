package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justnews/fabric/pkg/apierr"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DB_URL", "STREAM_URL", "ARTICLE_MIN_WORDS", "ORCH_LEASE_TTL_SECONDS",
		"ORCH_ALLOW_UNPROBED_GPU", "VLLM_ADAPTER_PATHS", "ARTICLE_URL_HASH_ALGO",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadRequiresDBURL(t *testing.T) {
	clearEnv(t)
	_, err := Load(false)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindValidation, apiErr.Kind)
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("DB_URL", "postgres://localhost/fabric")
	defer os.Unsetenv("DB_URL")

	cfg, err := Load(false)
	require.NoError(t, err)
	assert.Equal(t, "sha256", cfg.ArticleURLHashAlgo)
	assert.Equal(t, 120, cfg.ArticleMinWords)
	assert.Equal(t, 300*time.Second, cfg.OrchLeaseTTL)
	assert.False(t, cfg.OrchAllowUnprobedGPU)
}

func TestLoadRequiresStreamURLForOrchestrator(t *testing.T) {
	clearEnv(t)
	os.Setenv("DB_URL", "postgres://localhost/fabric")
	defer os.Unsetenv("DB_URL")

	_, err := Load(true)
	require.Error(t, err)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("DB_URL", "postgres://localhost/fabric")
	os.Setenv("STREAM_URL", "redis://localhost:6379")
	os.Setenv("ARTICLE_MIN_WORDS", "200")
	os.Setenv("ORCH_ALLOW_UNPROBED_GPU", "true")
	os.Setenv("VLLM_ADAPTER_PATHS", "/a:/b:/c")
	defer clearEnv(t)

	cfg, err := Load(true)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.ArticleMinWords)
	assert.True(t, cfg.OrchAllowUnprobedGPU)
	assert.Equal(t, []string{"/a", "/b", "/c"}, cfg.VLLMAdapterPaths)
}

func TestSplitNonEmpty(t *testing.T) {
	assert.Nil(t, splitNonEmpty(""))
	assert.Equal(t, []string{"a"}, splitNonEmpty("a"))
	assert.Equal(t, []string{"a", "b"}, splitNonEmpty("a::b:"))
}
