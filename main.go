// Package main implements bb-watcher, which polls a Blackboard portal for new
// announcements, teaching content, assignments and grades and pushes a short
// message for each change.
package main

import (
	"bb-watcher/archive"
	"bb-watcher/browser"
	"bb-watcher/config"
	"bb-watcher/notify"
	"bb-watcher/poll"
	"bb-watcher/push"
	"bb-watcher/scraper"
	"bb-watcher/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

// app holds everything a command needs. Fields are populated lazily by
// the open* helpers so that e.g. `runs` never touches the portal session.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store   *storage.Store
	archive *archive.Store
	gcs     *gcs.Client
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: newLogger(cfg.LogLevel)}, nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store", "error", err)
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("Failed to close storage client", "error", err)
		}
	}
}

func (a *app) openStore(ctx context.Context) (*storage.Store, error) {
	if a.store == nil {
		st, err := storage.Open(ctx, a.cfg.DBPath, a.logger)
		if err != nil {
			return nil, err
		}
		a.store = st
	}
	return a.store, nil
}

// openArchive uses the bucket when STORAGE_BUCKET is set, else ARCHIVE_PATH.
func (a *app) openArchive(ctx context.Context) (*archive.Store, error) {
	if a.archive != nil {
		return a.archive, nil
	}
	if a.cfg.StorageBucket == "" {
		a.logger.Info("No STORAGE_BUCKET set, archiving run outputs locally", "path", a.cfg.ArchivePath)
		a.archive = archive.New(nil, "", a.cfg.ArchivePath, a.logger)
		return a.archive, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	a.gcs = client
	a.archive = archive.New(client, a.cfg.StorageBucket, "", a.logger)
	return a.archive, nil
}

func (a *app) newScraper() (*scraper.Scraper, error) {
	jar, err := browser.LoadSessionJar(a.cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return scraper.New(browser.New(jar, a.logger), a.cfg.ScraperOptions(), a.logger), nil
}

// newFetcher builds a monitor that can only Fetch: no store, no pusher.
func (a *app) newFetcher(ctx context.Context) (*poll.Monitor, error) {
	sc, err := a.newScraper()
	if err != nil {
		return nil, err
	}
	arc, err := a.openArchive(ctx)
	if err != nil {
		return nil, err
	}
	return poll.New(sc, nil, nil, arc, notify.DefaultPolicy(), a.logger), nil
}

func (a *app) newMonitor(ctx context.Context) (*poll.Monitor, error) {
	sc, err := a.newScraper()
	if err != nil {
		return nil, err
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	arc, err := a.openArchive(ctx)
	if err != nil {
		return nil, err
	}
	provider, err := selectProvider(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	return poll.New(sc, st, provider, arc, notify.NewPolicy(a.cfg.UpdateSources), a.logger), nil
}

// selectProvider prefers Bark, then Gmail. With neither configured it
// returns a log-only provider that never marks anything notified.
func selectProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (push.Provider, error) {
	if cfg.BarkEndpoint != "" {
		b, err := push.NewBarkProvider(cfg.BarkEndpoint, logger)
		if err != nil {
			return nil, &config.ValidationError{Field: "BARK_ENDPOINT", Reason: err.Error()}
		}
		logger.Info("Using Bark push provider", "server", b.String())
		return b, nil
	}
	if cfg.GmailTo != "" {
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, &config.ValidationError{Field: "GMAIL_TO", Reason: fmt.Sprintf("initialize Gmail service: %v", err)}
		}
		logger.Info("Using Gmail push provider")
		return push.NewGmailProvider(svc, cfg.GmailTo, logger), nil
	}
	logger.Warn("No BARK_ENDPOINT or GMAIL_TO set, runs only preview messages")
	return push.NewMockProvider(logger), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials need the gmail.send scope on the service account.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
