package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/sandbox-builder/internal/mcp"
	"github.com/hochfrequenz/sandbox-builder/web/api"
)

var (
	serveHost string
	servePort int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the expiry sweep",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveHost, "host", "", "interface to listen on (default web.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default web.port)")
	rootCmd.AddCommand(serveCmd)

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools on stdio",
		RunE:  runMCP,
	}
	rootCmd.AddCommand(mcpCmd)
}

// startServices recovers orphaned generations and starts the expiry sweep
func (a *app) startServices(ctx context.Context) error {
	n, err := a.pipeline.RecoverOrphans(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Warn("failed generations interrupted by a previous run", "count", n)
	}
	return a.sandboxes.Start()
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.startServices(ctx); err != nil {
		return err
	}

	host := serveHost
	if host == "" {
		host = a.cfg.Web.Host
	}
	port := servePort
	if port == 0 {
		port = a.cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	server := api.NewServer(api.Deps{
		Pipeline:   a.pipeline,
		Store:      a.store,
		Sandboxes:  a.sandboxes,
		Integrator: a.integrator,
		Observer:   a.observer,
		Logger:     a.log.Logger,
	}, addr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	fmt.Printf("Serving API at http://%s\n", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(true)

	if err := a.startServices(cmd.Context()); err != nil {
		return err
	}

	s := mcp.NewServer(mcp.Deps{
		Pipeline:   a.pipeline,
		Store:      a.store,
		Sandboxes:  a.sandboxes,
		Integrator: a.integrator,
		Version:    version,
	})
	return mcp.Serve(s)
}
