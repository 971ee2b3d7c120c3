package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/model"
)

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestUrgencyBaselines(t *testing.T) {
	got, err := urgencyBaselines(map[string]int{"emergency": 5, "Urgent": 8})
	require.NoError(t, err)
	assert.Equal(t, map[model.Urgency]int{
		model.UrgencyEmergency: 5,
		model.UrgencyUrgent:    8,
	}, got)
}

func TestUrgencyBaselines_Unknown(t *testing.T) {
	_, err := urgencyBaselines(map[string]int{"someday": 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "someday")
}

func TestInitDispatcher_LogWithoutURL(t *testing.T) {
	d, circuits, err := initDispatcher(config.DispatchConfig{})
	require.NoError(t, err)
	assert.IsType(t, &dispatch.LogDispatcher{}, d)
	assert.Nil(t, circuits)
}

func TestInitDispatcher_Webhook(t *testing.T) {
	d, circuits, err := initDispatcher(config.DispatchConfig{
		WebhookURL:              "https://hooks.example.test/outreach",
		RatePerSec:              10,
		Burst:                   2,
		CircuitFailureThreshold: 5,
		CircuitResetSecs:        30,
	})
	require.NoError(t, err)
	assert.IsType(t, &dispatch.WebhookDispatcher{}, d)
	require.NotNil(t, circuits)
}

func TestInitStore_SQLite(t *testing.T) {
	withConfig(t, &config.Config{Store: config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "outreach.db"),
	}})

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, st.Ping(context.Background()))
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	withConfig(t, &config.Config{Store: config.StoreConfig{Driver: "mongo"}})

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitDirectory_UnsupportedDriver(t *testing.T) {
	withConfig(t, &config.Config{Directory: config.DirectoryConfig{Driver: "ldap"}})

	env := &outreachEnv{}
	_, err := env.initDirectory(context.Background())
	require.Error(t, err)
}

func TestOpenFeed_Disabled(t *testing.T) {
	called := false
	prev := newPubsubClient
	newPubsubClient = func(context.Context, string) (*pubsub.Client, error) {
		called = true
		return nil, nil
	}
	t.Cleanup(func() { newPubsubClient = prev })

	sub, closeFeed, err := openFeed(context.Background(), config.FeedConfig{ProjectID: "proj"}, nil)
	require.NoError(t, err)
	assert.Nil(t, sub)
	require.NotNil(t, closeFeed)
	closeFeed()
	assert.False(t, called)
}

func TestOpenFeed_ClientError(t *testing.T) {
	prev := newPubsubClient
	newPubsubClient = func(_ context.Context, projectID string) (*pubsub.Client, error) {
		assert.Equal(t, "proj", projectID)
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newPubsubClient = prev })

	sub, _, err := openFeed(context.Background(), config.FeedConfig{ProjectID: "proj", Subscription: "responses"}, nil)
	require.Error(t, err)
	assert.Nil(t, sub)
	assert.Contains(t, err.Error(), "pubsub client")
	assert.Contains(t, err.Error(), "no credentials")
}
