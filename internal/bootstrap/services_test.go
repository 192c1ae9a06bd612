package bootstrap

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/target/quotaflow/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildFailureNotifier_DisabledIsNonNil(t *testing.T) {
	n := buildFailureNotifier(discardLogger(), nil, config.ObservabilityNotificationsConfig{})
	require.NotNil(t, n)
}

func TestBuildFailureNotifier_InvalidSinkSkipped(t *testing.T) {
	n := buildFailureNotifier(discardLogger(), nil, config.ObservabilityNotificationsConfig{
		Enabled: true,
		Slack:   config.SlackNotificationConfig{Enabled: true},
	})
	require.NotNil(t, n)
}

func TestNewServices_RequiresDeps(t *testing.T) {
	_, err := NewServices(nil)
	require.Error(t, err)
}

func TestBuildRepositories_CacheOnlyWhenEnabled(t *testing.T) {
	deps := &ServiceDeps{Config: &config.AppConfig{}}
	repos := buildRepositories(deps, discardLogger())
	require.Nil(t, repos.Cache)
	require.NotNil(t, repos.Requests)
	require.NotNil(t, repos.Quota)
}
