package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"alacrite/config"
	"alacrite/crypto"
)

func newKeyCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Print the local identity key fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv(cmd, flags)
			if err != nil {
				return err
			}

			keyDir := config.KeysDir(env.dataDir)
			identity, err := crypto.EnsureIdentity(keyDir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Fingerprint: %s\n", identity.Fingerprint())
			fmt.Fprintf(out, "Public key:  %s\n", identity.AuthorizedKey())
			fmt.Fprintf(out, "Key dir:     %s\n", keyDir)
			return nil
		},
	}
}
