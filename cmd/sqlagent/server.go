package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sqlagent/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the MCP stdio server (foreground)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("stdio")
		return runServer(cmd.Context(), stdio)
	},
}

func init() {
	serveCmd.Flags().Bool("stdio", true, "also serve MCP over stdin/stdout")
}

func runServer(parent context.Context, stdio bool) error {
	fmt.Fprintf(os.Stderr, "sqlagent version %s\n", version)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, appOptions{connectTools: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Server.Token == "" {
		return fmt.Errorf("server.token is not set; export SQLAGENT_SERVER_TOKEN")
	}

	if a.catalog == nil {
		printWarning("no tool server connected; runs will fail until mcp.command or mcp.url is set")
	}

	var search api.Searcher
	if r := a.retriever(); r != nil {
		search = r
	}

	handler := api.NewAppHandler(api.AppDeps{
		Agent:    a,
		Runs:     a.store,
		Search:   search,
		Indexes:  a.index,
		Token:    a.cfg.Server.Token,
		Gatherer: a.registry,
		Logger:   a.logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("sqlagent listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if stdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Agent:   a,
			Runs:    a.store,
			Search:  search,
			Version: version,
			Logger:  a.logger,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			a.logger.Info("MCP server started (stdio transport)")
			// EOF on stdin ends the MCP session but not the HTTP server.
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}
