package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/config"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/cursor"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/db"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/engine"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/events"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/jobs"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/notify"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/queue"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
)

// app holds the components a command works with.
type app struct {
	deviceID string
	db       *db.DB
	queue    *queue.Store
	cursors  *cursor.Tracker
	client   *remote.HTTPClient
	syncer   engine.Syncer
	bus      *events.Bus
	logOut   io.WriteCloser
}

// openApp opens the local store for the configured device and wires the
// sync engine against the configured remote.
func openApp(ctx context.Context) (*app, error) {
	deviceID, err := cfg.EnsureDeviceID()
	if err != nil {
		return nil, err
	}

	database, err := db.OpenAndInit(ctx, cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	a := &app{
		deviceID: deviceID,
		db:       database,
		queue:    queue.New(database, cfg.Queue.MaxRetries),
		cursors:  cursor.New(database),
		client: remote.NewHTTPClient(cfg.Remote.URL,
			remote.WithToken(cfg.Remote.Token),
			remote.WithTimeout(cfg.Remote.Timeout)),
		logOut: cfg.Log.LogOutput(),
	}
	a.bus = events.NewBus(a.logger("[events] "))

	a.syncer, err = engine.New(engine.Config{
		DB:            database,
		Remote:        a.client,
		Queue:         a.queue,
		Cursors:       a.cursors,
		Bus:           a.bus,
		Logger:        a.logger("[engine] "),
		PushBatchSize: cfg.Sync.PushBatchSize,
		PullPageSize:  cfg.Sync.PullPageSize,
		RemoteTimeout: cfg.Remote.Timeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// mustOpenApp is openApp for commands that cannot continue without it.
func mustOpenApp(ctx context.Context) *app {
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}

func (a *app) logger(prefix string) *log.Logger {
	return config.NewLogger(a.logOut, prefix)
}

// processor creates a job processor that runs sync jobs on a.syncer and
// delivers notifications through the configured webhook, or the log.
func (a *app) processor() (*jobs.Processor, error) {
	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, &http.Client{Timeout: cfg.Remote.Timeout})
	} else {
		notifier = notify.NewLogNotifier(a.logger("[notify] "))
	}

	jc := cfg.JobsConfig()
	jc.DB = a.db
	jc.Syncer = a.syncer
	jc.Notifier = notifier
	jc.Bus = a.bus
	jc.Logger = a.logger("[jobs] ")
	return jobs.New(jc)
}

func (a *app) mustProcessor() *jobs.Processor {
	p, err := a.processor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating job processor: %v\n", err)
		os.Exit(1)
	}
	return p
}

// Close releases the store and the log output.
func (a *app) Close() {
	a.bus.Close()
	if err := a.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	_ = a.logOut.Close()
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
