package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"corpusd/internal/jobs"
	"corpusd/internal/server"
	"corpusd/internal/watcher"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Launch the knowledge base server",
	Long: `Starts the HTTP/JSON-RPC server, the job worker pool, and the
filesystem watcher, and runs until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close()
	if serveAddr != "" {
		c.cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := jobs.New(c.store, c.cfg.Jobs.Workers)
	registerJobHandlers(queue, c.indexer)
	if err := queue.Start(ctx); err != nil {
		return err
	}
	defer queue.Shutdown()

	w := watcher.New(c.cfg.Watcher, c.store, queue)
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	srv := server.New(c.cfg, c.store, c.engine, queue, c.indexer, c.embed, w)
	logger.Info("corpusd serving",
		zap.String("addr", c.cfg.Server.Addr),
		zap.String("data_root", c.cfg.DataRoot),
		zap.Int("workers", c.cfg.Jobs.Workers))
	return srv.ListenAndServe(ctx)
}
