package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wanduow/ampy/internal/collection"
	"github.com/wanduow/ampy/internal/controller"
	"github.com/wanduow/ampy/internal/exporter"
	"github.com/wanduow/ampy/internal/service/log"
	"github.com/wanduow/ampy/internal/service/telemetry"
	"github.com/wanduow/ampy/internal/service/view"
)

// Version is the version of the app.
var Version = "dev"

// Main is the main application.
type Main struct {
	flags  *flags
	logger log.Logger
}

// Run runs the main application.
func (m *Main) Run() error {
	cfg, err := m.flags.configuration()
	if err != nil {
		return err
	}

	m.logger = log.NewZerolog(log.Config{
		Output: os.Stderr,
		Debug:  m.flags.debug,
		Plain:  m.flags.plainLog,
	})

	registry := prometheus.NewRegistry()
	rec := telemetry.New(registry)

	client := exporter.NewClient(exporter.Config{
		Host:          cfg.Exporter.Host,
		Port:          cfg.Exporter.Port,
		RetryInterval: cfg.Exporter.RetryInterval.Std(),
		MaxRetries:    cfg.Exporter.MaxRetries,
	}, m.logger, rec)
	bounded := exporter.NewLimit(client, exporter.LimitConfig{
		Timeout:       cfg.Exporter.QueryTimeout.Std(),
		MaxConcurrent: cfg.Exporter.MaxConcurrent,
	})

	ctl, err := controller.New(controller.Config{
		Exporter:      bounded,
		Views:         view.NewMemory(),
		Sites:         collection.NewStaticSites(cfg.Sites.Sources, cfg.Sites.Destinations),
		ViewTTL:       cfg.Cache.ViewTTL.Std(),
		StreamViewTTL: cfg.Cache.StreamViewTTL.Std(),
		StreamMaxAge:  cfg.Refresh.StreamMaxAge.Std(),
		Logger:        m.logger,
		Telemetry:     rec,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctl.Start(ctx); err != nil {
		return err
	}

	var g run.Group

	// Capture signals.
	{
		sigC := make(chan os.Signal, 1)
		exitC := make(chan struct{})
		signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT)

		g.Add(
			func() error {
				select {
				case s := <-sigC:
					m.logger.Infof("signal %s received", s)
				case <-exitC:
				}
				return nil
			},
			func(e error) {
				close(exitC)
			},
		)
	}

	// HTTP API.
	{
		server := &http.Server{
			Addr:    cfg.Listen.Address,
			Handler: newAPI(ctl, registry, m.logger),
		}

		g.Add(
			func() error {
				m.logger.Infof("API listening on %s", cfg.Listen.Address)
				return server.ListenAndServe()
			},
			func(e error) {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					m.logger.Errorf("shutting down the API: %s", err)
				}
			},
		)
	}

	// Periodic stream index refresh.
	{
		refreshCtx, refreshCancel := context.WithCancel(ctx)

		g.Add(
			func() error {
				ticker := time.NewTicker(cfg.Refresh.Interval.Std())
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if err := ctl.RefreshAll(refreshCtx); err != nil {
							m.logger.Warningf("refreshing stream indexes: %s", err)
						}
					case <-refreshCtx.Done():
						return nil
					}
				}
			},
			func(e error) {
				refreshCancel()
			},
		)
	}

	return g.Run()
}

func main() {
	flags, err := newFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing the command line: %s\n", err)
		os.Exit(1)
	}

	m := Main{flags: flags}
	if err := m.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error running ampy: %s\n", err)
		os.Exit(1)
	}
}
