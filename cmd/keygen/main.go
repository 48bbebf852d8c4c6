// Command keygen issues API keys and maintains user profiles in the gateway
// database.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/iotedge-gateway/internal/auth"
	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/storage/sqldb"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// storeFlags selects the database written by generate and profile.
type storeFlags struct {
	driver string
	dsn    string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.driver, "driver", "sqlite", "database driver (sqlite, postgres)")
	cmd.Flags().StringVar(&f.dsn, "dsn", "", "database DSN; when empty nothing is stored")
}

func (f *storeFlags) open() (*sqldb.Store, error) {
	return sqldb.New(sqldb.Config{Driver: f.driver, DSN: f.dsn})
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "keygen",
		Short:        "Manage gateway API keys",
		SilenceUsage: true,
	}
	root.AddCommand(newGenerateCmd(), newHashCmd(), newProfileCmd())
	return root
}

func newGenerateCmd() *cobra.Command {
	var (
		store   storeFlags
		org     string
		name    string
		prefix  string
		scopes  []string
		expires time.Duration
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new API key",
		Long: "Generate a new random API key for an organization. Only the SHA-256 hash is stored;\n" +
			"the key itself is printed once.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if org == "" {
				return fmt.Errorf("--org is required")
			}
			secret, err := auth.GenerateAPIKey(prefix)
			if err != nil {
				return err
			}

			key := &domain.APIKey{
				ID:             uuid.New().String(),
				OrganizationID: org,
				Name:           name,
				KeyPrefix:      secret[:min(len(secret), 12)],
				KeyHash:        auth.HashAPIKey(secret),
				Scopes:         domain.ParseScopes(scopes),
				IsActive:       true,
				CreatedAt:      time.Now().UTC(),
			}
			if expires > 0 {
				at := key.CreatedAt.Add(expires)
				key.ExpiresAt = &at
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API Key: %s\n", secret)
			fmt.Fprintf(out, "Key ID: %s\n", key.ID)
			fmt.Fprintf(out, "SHA-256 Hash: %s\n", key.KeyHash)

			if store.dsn == "" {
				printInsertHint(out, key)
				return nil
			}

			db, err := store.open()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.CreateAPIKey(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nStored in %s database.\n", store.driver)
			return nil
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "organization id the key belongs to")
	cmd.Flags().StringVar(&name, "name", "", "human readable key name")
	cmd.Flags().StringVar(&prefix, "prefix", auth.DefaultKeyPrefix, "key prefix")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"read"}, "granted scopes (read, write, devices)")
	cmd.Flags().DurationVar(&expires, "expires", 0, "key lifetime, e.g. 720h; 0 never expires")
	store.register(cmd)
	return cmd
}

func printInsertHint(out io.Writer, key *domain.APIKey) {
	names := make([]string, len(key.Scopes))
	for i, s := range key.Scopes {
		names[i] = `"` + string(s) + `"`
	}
	fmt.Fprintln(out, "\nInsert it with:")
	fmt.Fprintf(out, "  INSERT INTO api_keys (id, organization_id, name, key_prefix, key_hash, scopes, is_active, created_at)\n")
	fmt.Fprintf(out, "  VALUES ('%s', '%s', '%s', '%s', '%s', '[%s]', 1, %d);\n",
		key.ID, key.OrganizationID, key.Name, key.KeyPrefix, key.KeyHash,
		strings.Join(names, ","), key.CreatedAt.UnixMilli())
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <api-key>",
		Short: "Print the SHA-256 hash of an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), auth.HashAPIKey(args[0]))
			return nil
		},
	}
}

func newProfileCmd() *cobra.Command {
	var (
		store storeFlags
		user  string
		org   string
	)

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Set a user's default organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == "" || org == "" {
				return fmt.Errorf("--user and --org are required")
			}
			if store.dsn == "" {
				return fmt.Errorf("--dsn is required")
			}
			db, err := store.open()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := db.SetDefaultOrganization(ctx, user, org); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s now defaults to organization %s\n", user, org)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id (session token subject)")
	cmd.Flags().StringVar(&org, "org", "", "default organization id")
	store.register(cmd)
	return cmd
}
