package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/internal/model"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DD_API_KEY", "dd-key")
	t.Setenv("DD_APP_KEY", "dd-app")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("GEMINI_API_KEY", "gm-key")
	t.Setenv("PII_SALT", "salt")
	t.Setenv("APPROVAL_API_KEY", "approval-key")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "datadoghq.com", cfg.Provider.Site)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, "evalforge_", cfg.Firestore.CollectionPrefix)
	assert.Equal(t, 0.85, cfg.Batch.DedupThreshold)
	assert.Equal(t, 20, cfg.Batch.ExtractionBatchSize)
	assert.Equal(t, 50, cfg.Batch.DedupBatchSize)
	assert.Equal(t, 10, cfg.Batch.GeneratorBatchSize)
	assert.Equal(t, 15*time.Minute, cfg.Server.ScheduleInterval)
	assert.Equal(t, "proj", cfg.Firestore.Project, "firestore shares the GCP project")
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("GEMINI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("EXTRACTION_BATCH_SIZE", "50")
	t.Setenv("DEDUP_BATCH_SIZE", "100")
	t.Setenv("GENERATOR_BATCH_SIZE", "5")
	t.Setenv("DEDUP_THRESHOLD", "0.9")
	t.Setenv("SCHEDULE_INTERVAL", "5m")
	t.Setenv("EXTRACTION_ITEM_TIMEOUT", "90")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Batch.ExtractionBatchSize)
	assert.Equal(t, 100, cfg.Batch.DedupBatchSize)
	assert.Equal(t, 5, cfg.Batch.GeneratorBatchSize)
	assert.Equal(t, 0.9, cfg.Batch.DedupThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Server.ScheduleInterval)
	assert.Equal(t, 90*time.Second, cfg.Batch.ExtractionTimeout, "bare seconds accepted")
}

func TestLoad_ValidationRejectsOutOfRange(t *testing.T) {
	setRequired(t)
	t.Setenv("DEDUP_THRESHOLD", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
}

func TestLoad_ValidationRejectsBadBatchSizes(t *testing.T) {
	for _, key := range []string{"EXTRACTION_BATCH_SIZE", "DEDUP_BATCH_SIZE", "GENERATOR_BATCH_SIZE"} {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, "0")

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, model.KindConfiguration, model.KindOf(err))
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestDescribe_OmitsSecrets(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)

	desc := cfg.Describe()
	for k, v := range desc {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "dd-key", "key %s leaks a secret", k)
			assert.NotContains(t, s, "gm-key", "key %s leaks a secret", k)
		}
	}
	assert.Equal(t, false, desc["webhook_configured"])
}