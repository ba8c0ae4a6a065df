package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaperone-dev/chaperone/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an argon2id hash for an approver API key",
	Long: `Generate an argon2id hash of an approver API key for use in fixtures.

When called without arguments, a fresh random key is generated and
printed alongside its hash. Only the hash is ever stored; the cleartext
key is shown once.

Example:
  chaperone hash-key
  # Key:  chk_9f2k...
  # Hash: $argon2id$v=19$m=65536,t=1,p=1$...

Security note: a key passed as an argument will appear in shell history.
Consider the no-argument form, or an environment variable:
  chaperone hash-key "$APPROVER_KEY"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			generated, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			key = generated
			fmt.Printf("Key:  %s\n", key)
		}

		hash, err := auth.HashKey(key)
		if err != nil {
			return err
		}
		fmt.Printf("Hash: %s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
