package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terra-clan/research-engine/internal/models"
)

// AdminPermissions are granted when no --permission flag is given
var AdminPermissions = []string{"participants:read", "results:read", "diagnostics:read"}

// NewClientCommand creates the client command group.
func NewClientCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage admin API clients",
	}

	cmd.AddCommand(newClientCreateCommand(rootOpts))

	return cmd
}

func newClientCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var permissions []string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API client and print its key",
		Long: `Create an API client for the admin endpoints.

The generated key is printed once; only a masked form is shown afterwards.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("client name is required")
			}

			cfg, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			b := newBackends()
			defer b.Close()
			if err := b.openRepository(cmd.Context(), cfg.Database, true); err != nil {
				return err
			}

			key, err := GenerateAPIKey()
			if err != nil {
				return err
			}
			if len(permissions) == 0 {
				permissions = AdminPermissions
			}

			c := &models.ApiClient{
				Name:        name,
				ApiKey:      key,
				IsActive:    true,
				Permissions: permissions,
			}
			if err := b.repo.CreateApiClient(cmd.Context(), c); err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			created := struct {
				*models.ApiClient
				Key string `json:"api_key"`
			}{c, c.ApiKey}

			return printResult(rootOpts, cmd.OutOrStdout(), created, func(w io.Writer) {
				fmt.Fprintf(w, "client %d (%s) created\n", c.ID, c.Name)
				fmt.Fprintf(w, "permissions: %s\n", strings.Join(c.Permissions, ", "))
				fmt.Fprintf(w, "api key: %s\n", c.ApiKey)
			})
		},
	}

	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "permission to grant (repeatable, \"*\" for all)")

	return cmd
}

// GenerateAPIKey returns a random "sk_" prefixed key
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return "sk_" + hex.EncodeToString(buf), nil
}
