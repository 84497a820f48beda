package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/notesync/src/auth"
)

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			p := &auth.HMACProvider{Secret: []byte(secret), UserID: userID, Email: email, Lifetime: clientCfg.TokenLifetime}
			tok, err := p.Token(cmd.Context(), false)
			if err != nil {
				return err
			}
			fmt.Println(tok.Value)
			return nil
		},
	}
}
