package config

import (
	"bb-watcher/pkg/watcher"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newViper(overrides map[string]any) *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func TestFromViperDefaults(t *testing.T) {
	cfg, err := FromViper(newViper(map[string]any{"BB_BASE_URL": " https://bb.example/ "}))
	require.NoError(t, err)
	require.Equal(t, "https://bb.example/", cfg.PortalURL)
	require.Equal(t, 5, cfg.PollLimit)
	require.Equal(t, 45*time.Second, cfg.NavTimeout)
	require.Equal(t, 400*time.Millisecond, cfg.NavRetryBase)
	require.Equal(t, []watcher.Source{watcher.SourceAssignment, watcher.SourceGradeItem}, cfg.UpdateSources)
	require.NoError(t, cfg.Validate())

	opts := cfg.ScraperOptions()
	require.Equal(t, 3, opts.Retries)
	require.Equal(t, 300*time.Millisecond, opts.SettleDelay)
	require.Equal(t, 250*time.Millisecond, opts.DetailSettleDelay)
}

func TestCoursesURLPreferred(t *testing.T) {
	cfg, err := FromViper(newViper(map[string]any{
		"BB_BASE_URL":    "https://bb.example/",
		"BB_COURSES_URL": "https://bb.example/courses",
	}))
	require.NoError(t, err)
	require.Equal(t, "https://bb.example/courses", cfg.PortalURL)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantField string
	}{
		{name: "missing portal", overrides: map[string]any{}, wantField: "BB_COURSES_URL"},
		{name: "no retries", overrides: map[string]any{"BB_BASE_URL": "u", "NAV_RETRIES": 0}, wantField: "NAV_RETRIES"},
		{name: "negative limit", overrides: map[string]any{"BB_BASE_URL": "u", "POLL_LIMIT_PER_RUN": -1}, wantField: "POLL_LIMIT_PER_RUN"},
		{name: "negative course limit", overrides: map[string]any{"BB_BASE_URL": "u", "COURSE_LIMIT": -2}, wantField: "COURSE_LIMIT"},
		{name: "bad duration", overrides: map[string]any{"BB_BASE_URL": "u", "NAV_TIMEOUT": "soon"}, wantField: "NAV_TIMEOUT"},
		{name: "unknown source", overrides: map[string]any{"BB_BASE_URL": "u", "NOTIFY_UPDATE_SOURCES": "grade_item,forum"}, wantField: "NOTIFY_UPDATE_SOURCES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromViper(newViper(tt.overrides))
			if err == nil {
				err = cfg.Validate()
			}
			require.True(t, IsValidationError(err), "error = %v", err)
			require.Equal(t, tt.wantField, err.(*ValidationError).Field)
		})
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bbwatch.yaml"), []byte(
		"BB_COURSES_URL: https://bb.example/courses\nPOLL_LIMIT_PER_RUN: 2\nNOTIFY_UPDATE_SOURCES: grade_item\n"), 0o600))
	t.Setenv("POLL_LIMIT_PER_RUN", "7")
	t.Setenv("BB_COURSES_URL", "")
	t.Setenv("NOTIFY_UPDATE_SOURCES", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://bb.example/courses", cfg.PortalURL)
	require.Equal(t, 7, cfg.PollLimit, "environment overrides the file")
	require.Equal(t, []watcher.Source{watcher.SourceGradeItem}, cfg.UpdateSources)
}

func TestLoadRequiresPortal(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BB_COURSES_URL", "")
	t.Setenv("BB_BASE_URL", "")

	_, err := Load()
	require.True(t, IsValidationError(err), "error = %v", err)
}
