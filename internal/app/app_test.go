package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/dripline/internal/config"
	"github.com/foxzi/dripline/internal/model"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	content := `
database:
  driver: sqlite3
  dsn: "` + filepath.Join(dir, "dripline.db") + `"
transport:
  type: dryrun
  rate_per_second: 1000
  burst: 100
rate_limit:
  enabled: true
  path: "` + filepath.Join(dir, "quota.db") + `"
  default_tenant:
    messages_per_hour: 100
api:
  enabled: true
  listen_addr: "127.0.0.1:0"
  api_key: "k"
logging:
  level: error
  format: text
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestNewAndRunOnce(t *testing.T) {
	a, err := New(loadTestConfig(t), "test")
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	_, err = a.Campaigns().UpsertSubscriber(ctx, model.SubscriberSpec{TenantID: "t1", RecipientID: "r1", Address: "42", Active: true})
	require.NoError(t, err)

	c, err := a.Campaigns().CreateCampaign(ctx, model.CampaignSpec{TenantID: "t1", Text: "hello", Kind: model.CampaignInstant})
	require.NoError(t, err)
	_, err = a.Campaigns().StartCampaign(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, a.RunOnce(ctx))

	got, err := a.Campaigns().GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, got.Status)
	assert.Equal(t, 1, got.SentCount)

	jobs, deliveries, err := a.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, jobs)
	assert.Zero(t, deliveries)
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := New(loadTestConfig(t), "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, a.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := New(loadTestConfig(t), "test")
	require.NoError(t, err)

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestNewSenderRejectsUnknownType(t *testing.T) {
	_, err := newSender(config.TransportConfig{Type: "fax"}, slog.Default())
	assert.Error(t, err)

	s, err := newSender(config.TransportConfig{Type: "dryrun", RatePerSecond: 5, Burst: 1}, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestSetupLogger(t *testing.T) {
	logger := SetupLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	ctx := context.Background()
	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))

	logger = SetupLogger(config.LoggingConfig{Level: "debug", Format: "text"})
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))
}
