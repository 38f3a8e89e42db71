// Command leased runs the in-memory lease service. It exists for local
// development and integration testing of session hosts; there is no
// persistence, so restarting it resets every owner's budget.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/auricle-ai/auricle/internal/dotenv"
	"github.com/auricle-ai/auricle/pkg/leased"
)

func run(ctx context.Context, logger *slog.Logger) error {
	addr := os.Getenv("AURICLE_LEASED_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	budget := leased.DefaultBudget
	if v := os.Getenv("AURICLE_LEASED_BUDGET_MINUTES"); v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil || mins <= 0 {
			return fmt.Errorf("AURICLE_LEASED_BUDGET_MINUTES must be a positive integer, got %q", v)
		}
		budget = time.Duration(mins) * time.Minute
	}

	srv := leased.New(leased.Options{
		Budget:    budget,
		AuthToken: os.Getenv("AURICLE_LEASE_TOKEN"),
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("lease service starting",
		slog.String("addr", addr),
		slog.Duration("budget", budget))

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("lease service stopped")
	return nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "leased: %v\n", err)
		os.Exit(1)
	}
	if err := run(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "leased: %v\n", err)
		os.Exit(1)
	}
}
