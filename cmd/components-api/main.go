// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
	"github.com/toolforge/components-api/internal/config"
	"github.com/toolforge/components-api/internal/configgen"
	"github.com/toolforge/components-api/internal/engine"
	"github.com/toolforge/components-api/internal/runtime/toolforge"
	"github.com/toolforge/components-api/internal/server"
	"github.com/toolforge/components-api/internal/server/middleware/metrics"
	"github.com/toolforge/components-api/internal/storage"
)

// deployWorkers bounds how many deployments run concurrently across all
// tools.
const deployWorkers = 10

func main() {
	flags := pflag.NewFlagSet("components-api", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	flags.String("log_level", "", "log level (debug, info, warn, error)")
	flags.String("address", "", "address the HTTP server binds to")
	flags.Int("port", 0, "port the HTTP server listens on")
	flags.String("storage_type", "", "storage backend (mock or kubernetes)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	settings, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	level, _ := config.ParseLogLevel(settings.LogLevel)
	baseLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(baseLogger)

	// Create shutdown context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, settings, baseLogger); err != nil {
		baseLogger.Error("Server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, settings *config.Settings, baseLogger *slog.Logger) error {
	toolforgeClient := toolforge.NewClient(toolforge.ClientConfig{
		BaseURL:    settings.ToolforgeAPIURL,
		UserAgent:  settings.UserAgent,
		VerifyCert: settings.VerifyToolforgeAPICert,
	}, baseLogger.With("component", "toolforge-client"))
	rt := toolforge.NewRuntime(toolforgeClient, nil, baseLogger.With("component", "runtime"))

	store, err := buildStorage(settings, rt, baseLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	pool := engine.NewPool(ctx, deployWorkers, baseLogger.With("component", "pool"))
	deployEngine := engine.New(store, rt, engine.Options{
		BuildTimeout: settings.BuildTimeout,
	}, baseLogger.With("component", "engine"))

	handler := server.New(server.Dependencies{
		Store:     store,
		Engine:    deployEngine,
		Pool:      pool,
		Generator: configgen.New(rt, baseLogger.With("component", "configgen")),
		Metrics:   metrics.New(),
		Settings:  settings,
		Logger:    baseLogger.With("component", "handlers"),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", settings.Address, settings.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		baseLogger.Info("Components API server listening on", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	baseLogger.Info("Shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}

	// In-flight deployments keep running until they persist a terminal
	// state, otherwise the timeout sweep has to clean them up later.
	baseLogger.Info("Waiting for in-flight deployments")
	pool.Wait()
	return nil
}

func buildStorage(settings *config.Settings, mirror storage.EnvvarMirror, baseLogger *slog.Logger) (storage.Interface, error) {
	opts := storage.Options{
		DeploymentTimeout:      settings.DeploymentTimeout,
		MaxDeploymentsRetained: settings.MaxDeploymentsRetained,
	}
	logger := baseLogger.With("component", "storage")

	switch settings.StorageType {
	case config.StorageTypeKubernetes:
		restConfig, err := ctrlconfig.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		scheme := runtime.NewScheme()
		if err := clientgoscheme.AddToScheme(scheme); err != nil {
			return nil, err
		}
		if err := toolforgev1.AddToScheme(scheme); err != nil {
			return nil, err
		}
		k8sClient, err := client.New(restConfig, client.Options{Scheme: scheme})
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		return storage.NewKubernetesStorage(k8sClient, mirror, opts, logger), nil
	case config.StorageTypeMock:
		return storage.NewMockStorage(opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", settings.StorageType)
	}
}
