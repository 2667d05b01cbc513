// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/bugpilot/services/capture"
	"github.com/AleutianAI/bugpilot/services/capture/session"
	"github.com/AleutianAI/bugpilot/services/instrument/server"
	"github.com/AleutianAI/bugpilot/services/storage/badger"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	addr        string
	cacheDir    string
	noCache     bool
	noRelay     bool
	traceStdout bool
}

func newServeCmd(g *globalOptions) *cobra.Command {
	o := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the transform API and the capture relay over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, o, cmd)
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", ":8787", "Listen address")
	cmd.Flags().StringVar(&o.cacheDir, "cache-dir", "", "Transform cache directory (default: ~/.bugpilot/cache/transform)")
	cmd.Flags().BoolVar(&o.noCache, "no-cache", false, "Disable the persistent transform cache")
	cmd.Flags().BoolVar(&o.noRelay, "no-relay", false, "Disable POST /v1/bugpilot/capture")
	cmd.Flags().BoolVar(&o.traceStdout, "trace-stdout", false, "Export spans to stderr")
	return cmd
}

func runServe(ctx context.Context, g *globalOptions, o *serveOptions, cmd *cobra.Command) error {
	logger := g.logger(cmd)
	cfg, err := g.loadConfig(logger)
	if err != nil {
		return err
	}
	build, err := g.buildInfo()
	if err != nil {
		return err
	}

	if g.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if o.traceStdout {
		shutdown, err := setupStdoutTracing(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	opts := []server.Option{server.WithLogger(logger)}
	if !o.noCache {
		db, err := openCache(o.cacheDir, logger)
		if err != nil {
			// The service works without a cache.
			logger.Warn("Transform cache unavailable, caching disabled", slog.String("error", err.Error()))
		} else {
			defer func() {
				if err := db.Close(); err != nil {
					logger.Warn("Failed to close transform cache", slog.String("error", err.Error()))
				}
			}()
			opts = append(opts, server.WithCache(badger.NewCache(db, 0, logger)))
		}
	}

	var capturer server.Capturer
	if !o.noRelay {
		capOpts := append(cfg.CaptureOptions(), capture.WithLogger(logger))
		capturer = capture.New(session.RequestResolver{}, capOpts...)
	}

	handlers := server.NewHandlers(cfg, build, capturer, opts...)
	srv := &http.Server{
		Addr:              o.addr,
		Handler:           server.NewRouter(handlers, g.debug),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serveUntilDone(ctx, srv, logger)
}

// serveUntilDone runs srv until ctx ends, then shuts it down gracefully.
func serveUntilDone(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	logger.Info("Starting bugpilot server", slog.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down bugpilot server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openCache(dir string, logger *slog.Logger) (*badger.DB, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve cache directory: %w", err)
		}
		dir = filepath.Join(home, ".bugpilot", "cache", "transform")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := badger.OpenDB(badger.Config{Path: dir, Logger: logger})
	if err != nil {
		return nil, err
	}
	logger.Info("Transform cache opened", slog.String("path", dir))
	return db, nil
}

// setupStdoutTracing installs a tracer provider that pretty-prints spans
// to w.
func setupStdoutTracing(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
