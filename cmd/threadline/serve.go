package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Rogers-F/threadline/internal/ipc"
)

func serveCmd(configPath func() string) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, configPath())
			if err != nil {
				return err
			}
			defer a.Close()

			addr := a.cfg.ListenAddr
			if listenAddr != "" {
				addr = listenAddr
			}

			handler := &ipc.Handler{Engine: a.engine, Log: a.log, Reload: a.reload}
			srv := ipc.NewServer(handler, addr, a.registry)

			// SIGHUP reloads the manifest.
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						if err := a.reload(); err == nil {
							a.log.Info("manifest reloaded on SIGHUP")
						}
					}
				}
			}()

			// Graceful shutdown on interrupt.
			go func() {
				<-ctx.Done()
				a.log.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					a.log.Warn("server shutdown", zap.Error(err))
				}
			}()

			a.log.Info("threadline listening", zap.String("url", ipc.FormatListenURL(addr)), zap.String("version", version))
			return srv.Start()
		},
	}
	cmd.Flags().StringVar(&listenAddr, "addr", "", "listen address (overrides listen_addr)")
	return cmd
}
