package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/notesync/src/bridge"
	"github.com/orchestra-mcp/notesync/src/relay"
	"github.com/orchestra-mcp/notesync/src/store"
)

func relayCmd() *cobra.Command {
	var addr, driver, boltPath, dsn string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the development relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				relayCfg.Addr = addr
			}
			if cmd.Flags().Changed("store") {
				relayCfg.Store = driver
			}
			if cmd.Flags().Changed("bolt-path") {
				relayCfg.BoltPath = boltPath
			}
			if cmd.Flags().Changed("dsn") {
				relayCfg.DSN = dsn
			}
			relayCfg.JWTSecret = secret

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(ctx, relayCfg)
			if err != nil {
				return err
			}
			defer st.Close()

			srv := relay.New(relayCfg, st, logger)
			if bridge.Enabled() {
				srv.Redis = bridge.RedisConfigFromEnv()
			}
			if err := srv.Start(); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":5000", "listen address")
	cmd.Flags().StringVar(&driver, "store", "bolt", "note store: bolt or postgres")
	cmd.Flags().StringVar(&boltPath, "bolt-path", "notesync.db", "bbolt database file")
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL connection string")
	return cmd
}
