package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/notesync/config"
	"github.com/orchestra-mcp/notesync/src/auth"
	"github.com/orchestra-mcp/notesync/src/collab"
	"github.com/orchestra-mcp/notesync/src/notes"
)

var (
	logLevel string
	logger   zerolog.Logger

	clientCfg *config.ClientConfig
	relayCfg  *config.RelayConfig

	relayURL string
	apiURL   string
	token    string
	secret   string
	userID   string
	email    string
)

func Execute() error {
	root := &cobra.Command{
		Use:           "notesync",
		Short:         "Realtime collaborative note sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("bad --log-level: %w", err)
			}
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
				Level(level).With().Timestamp().Logger()

			clientCfg = config.ClientConfigFromEnv()
			relayCfg = config.RelayConfigFromEnv()
			if relayURL != "" {
				clientCfg.RelayURL = relayURL
			}
			if apiURL != "" {
				clientCfg.APIURL = apiURL
			}
			if !cmd.Flags().Changed("secret") {
				secret = relayCfg.JWTSecret
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "trace|debug|info|warn|error")
	pf.StringVar(&relayURL, "relay-url", "", "relay websocket URL (default $NOTESYNC_RELAY_URL or ws://localhost:5000/ws)")
	pf.StringVar(&apiURL, "api-url", "", "REST API base URL (default $NOTESYNC_API_URL or http://localhost:5000/api)")
	pf.StringVar(&token, "token", os.Getenv("NOTESYNC_TOKEN"), "bearer token; when empty one is minted with --secret")
	pf.StringVar(&secret, "secret", "", "HS256 secret for minted tokens (default $NOTESYNC_JWT_SECRET)")
	pf.StringVar(&userID, "user", os.Getenv("USER"), "user id for minted tokens")
	pf.StringVar(&email, "email", "", "email for minted tokens")

	root.AddCommand(relayCmd(), tokenCmd(), watchCmd(), editCmd())
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

// tokenProvider returns the configured token, or mints one.
func tokenProvider() auth.TokenProvider {
	if token != "" {
		return auth.StaticProvider{Value: token}
	}
	return &auth.HMACProvider{Secret: []byte(secret), UserID: userID, Email: email, Lifetime: clientCfg.TokenLifetime}
}

// newClient builds a sync client for the token's identity.
func newClient(ctx context.Context) (*collab.Client, *notes.Client, error) {
	gate := auth.NewGate(tokenProvider(), clockwork.NewRealClock(), clientCfg.TokenMargin, clientCfg.TokenLifetime, logger)
	api := notes.New(clientCfg.APIURL, gate, clientCfg.RequestTimeout, logger)

	me, err := api.Me(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("identify: %w", err)
	}
	c := collab.New(collab.Options{
		UserID: me.UserID,
		Tokens: gate,
		API:    api,
		Config: clientCfg,
		Logger: logger,
	})
	return c, api, nil
}
