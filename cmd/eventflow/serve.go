package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/eventflow/internal/httpapi"
	"github.com/rendis/eventflow/pkg/mcp"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, background worker and housekeeping",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	setupServeFlags(cmd)
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hk, err := a.housekeeper()
	if err != nil {
		return err
	}
	if err := hk.Start(ctx); err != nil {
		return err
	}
	defer hk.Stop()

	srv := httpapi.NewServer(httpapi.Config{
		Addr:              cfg.ListenAddr,
		ImmediateDispatch: cfg.ImmediateDispatch,
		Logger:            a.logger,
	}, httpapi.Services{
		Store:    a.store,
		Queue:    a.queue,
		Catalog:  a.catalog,
		Worker:   a.worker,
		Executor: a.executor,
		Registry: a.registry,
		Hub:      a.hub,
	})

	workerDone := make(chan error, 1)
	go func() { workerDone <- a.worker.Start(ctx) }()
	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err = <-serverDone:
		if err != nil {
			a.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}

	stop()
	if stopErr := srv.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	// Worker.Start drains in-flight runs before returning.
	if werr := <-workerDone; werr != nil && err == nil {
		err = werr
	}
	a.logger.Info("eventflow stopped")
	return err
}

func newMCPCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the admin tools over MCP stdio, with a background worker",
		Args:  cobra.NoArgs,
		RunE:  runMCP,
	}
	setupServeFlags(cmd)
	cmd.Flags().Bool("no-worker", false, "do not run queued executions in this process")
	return cmd
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := mcp.NewEventflowServer(mcp.ServerDeps{
		Store:    a.store,
		Queue:    a.queue,
		Catalog:  a.catalog,
		Worker:   a.worker,
		Executor: a.executor,
		Logger:   a.logger,
	})

	workerDone := make(chan error, 1)
	if noWorker, _ := cmd.Flags().GetBool("no-worker"); noWorker {
		workerDone <- nil
	} else {
		go func() { workerDone <- a.worker.Start(ctx) }()
	}

	err = srv.Serve(ctx)
	stop()
	if werr := <-workerDone; werr != nil && err == nil {
		err = werr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
