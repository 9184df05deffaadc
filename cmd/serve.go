// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/mhzbridge/pkg/bridge"
	"github.com/Thermoquad/mhzbridge/pkg/httpapi"
	"github.com/Thermoquad/mhzbridge/pkg/metrics"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge and its HTTP control surface",
	Long: `Run the sensor bridge.

A request to the control path (default /sensor) carries a command token in its
body or, when the body is empty, in the raw query string. Known tokens send
the matching command frame and answer with its acknowledgement:

  abc_enable, abc_disable, read, cal_zero, cal_span2k, reset,
  set_range2k, set_range5k

Any other token answers with the last known state:

  { "co2": 300, "temp": 0, "status": 64, "temp2": 21.5, "humid": 40.2 }

A read command is sent every poll interval. Readings and secondary samples
are published to the configured telemetry sinks.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides http.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.HTTP.Listen = serveListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, connInfo, err := OpenConnection(cfg.Serial)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.WithField("connection", connInfo).Info("Sensor connection open")

	sampler, samplerCloser, err := openSampler(cfg.Secondary, log)
	if err != nil {
		return err
	}
	defer samplerCloser.Close()

	sink, sinkCloser, err := openSinks(ctx, cfg.Telemetry, log)
	if err != nil {
		return err
	}
	defer sinkCloser.Close()

	reg := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
	}

	b, err := bridge.New(bridge.Config{
		Conn:              conn,
		Sampler:           sampler,
		Sink:              sink,
		Logger:            log,
		Metrics:           m,
		PollInterval:      cfg.Poll.Interval,
		PublishTimeout:    cfg.Telemetry.PublishTimeout,
		Reassemble:        cfg.Serial.Reassemble,
		ReassembleTimeout: cfg.Serial.ReassembleTimeout,
	})
	if err != nil {
		return err
	}

	opts := httpapi.Options{Path: cfg.HTTP.Path, Logger: log}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
		opts.Gatherer = reg
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           httpapi.NewHandler(b, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	go func() {
		errc <- b.Run(ctx)
	}()
	go func() {
		if err := pumpBursts(ctx, conn, b, log); err != nil {
			errc <- err
			return
		}
		errc <- nil
	}()
	go func() {
		log.WithFields(logrus.Fields{
			"listen": cfg.HTTP.Listen,
			"path":   cfg.HTTP.Path,
		}).Info("HTTP control surface listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errc <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case runErr = <-errc:
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}
		if runErr != nil {
			log.WithError(runErr).Error("Bridge stopped")
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	// Unblocks the pending ReadBurst.
	conn.Close()

	return runErr
}
