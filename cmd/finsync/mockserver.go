package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/server"
	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/ui"
)

var mockServerCmd = &cobra.Command{
	Use:     "mock-server",
	GroupID: "maint",
	Short:   "Serve an in-memory remote sync service",
	Long: `Run the reference implementation of the remote sync service for local
development and testing. State lives in memory and is lost on exit.

Endpoints:
  POST /sync            push and pull changes
  POST /sync/financial  refresh an account from its institution
  GET  /health          liveness
  GET  /stats           request counters

Point a device at it with remote.url, e.g. FINSYNC_REMOTE_URL=http://127.0.0.1:8080.`,
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		verbose, _ := cmd.Flags().GetBool("verbose")

		logger := log.New(os.Stderr, "[server] ", log.LstdFlags)
		srv := server.New(server.Config{Token: token, Logger: logger, Verbose: verbose})

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			fatalf("failed to listen on %s: %v", addr, err)
		}
		httpServer := &http.Server{
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		fmt.Printf("%s Mock sync server on http://%s\n", ui.RenderAccent("🛰"), ln.Addr())
		if token != "" {
			fmt.Printf("   Bearer token required\n")
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signalContext()
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- httpServer.Serve(ln) }()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				fatalf("server failed: %v", err)
			}
		case <-ctx.Done():
		}

		fmt.Println("\nShutting down mock server...")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		stats := srv.Stats()
		fmt.Printf("Served %d pushes and %d pulls; %d entities stored\n", stats.Pushes, stats.Pulls, srv.Len())
	},
}

func init() {
	mockServerCmd.Flags().String("addr", "127.0.0.1:8080", "address to listen on")
	mockServerCmd.Flags().String("token", "", "require this bearer token")
	mockServerCmd.Flags().BoolP("verbose", "v", false, "log every request")

	rootCmd.AddCommand(mockServerCmd)
}
