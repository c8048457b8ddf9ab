package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/groupcast/pkg/groupcast/config"
)

// newTokenCmd creates `groupcast token` to keep secrets in the OS keyring.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Store or remove the catalog and gateway tokens in the OS keyring",
		Long: `Tokens in the OS keyring are used when the config file leaves
catalog.token or gateway.auth_token empty.

Examples:
  groupcast token set catalog
  groupcast token delete gateway`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:       "set <catalog|gateway>",
			Short:     "Prompt for a token and store it",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{config.SecretCatalog, config.SecretGateway},
			RunE: func(_ *cobra.Command, args []string) error {
				value, err := config.ReadSecret(fmt.Sprintf("%s token: ", args[0]))
				if err != nil {
					return err
				}
				if value == "" {
					return errors.New("empty token, nothing stored")
				}
				if err := config.StoreSecret(args[0], value); err != nil {
					return fmt.Errorf("storing in keyring: %w", err)
				}
				fmt.Printf("%s token stored in the OS keyring.\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:       "delete <catalog|gateway>",
			Short:     "Remove a stored token",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{config.SecretCatalog, config.SecretGateway},
			RunE: func(_ *cobra.Command, args []string) error {
				if err := config.DeleteSecret(args[0]); err != nil {
					return fmt.Errorf("removing from keyring: %w", err)
				}
				fmt.Printf("%s token removed.\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
