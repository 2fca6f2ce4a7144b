package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinywideclouds/go-dispatch-service/internal/accounts"
	"github.com/tinywideclouds/go-dispatch-service/internal/credential"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secret key for sealing stored credentials",
		Long: `Generate a random 32 byte key, base64 encoded, suitable for DISPATCH_SECRET_KEY.

Changing the key makes every stored credential undecryptable; affected accounts
must be updated with their private key again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := credential.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}

func accountsCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Account maintenance commands",
	}
	cmd.AddCommand(accountsTestCommand(logger))
	return cmd
}

// serviceAccountFile is the subset of a downloaded service account key file
// that makes up the credential triple.
type serviceAccountFile struct {
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

func accountsTestCommand(logger *slog.Logger) *cobra.Command {
	var credentialsFile string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Probe a service account key with a dry-run send",
		Long: `Build a throwaway provider client from a service account key file and
validate it with a dry-run send. Nothing is stored.

Example:
  dispatchservice accounts test --credentials ./service-account.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(credentialsFile)
			if err != nil {
				return fmt.Errorf("failed to read credentials file: %w", err)
			}
			var doc serviceAccountFile
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("failed to parse credentials file: %w", err)
			}

			// The probe needs no stored state, so a config that fails validation
			// only costs the configured timeout.
			timeout := 30 * time.Second
			if cfg, err := loadConfig(logger); err == nil {
				timeout = cfg.Provider.Timeout
			}

			factory := fcm.NewFactory(timeout, logger)
			svc := accounts.NewService(nil, nil, factory, timeout, logger)
			res := svc.TestCredentials(cmd.Context(), dispatch.Credential{
				ProjectID:    doc.ProjectID,
				ServiceEmail: doc.ClientEmail,
				PrivateKey:   []byte(doc.PrivateKey),
			})

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !res.OK {
				return fmt.Errorf("credential test failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&credentialsFile, "credentials", "", "path to a service account key file")
	_ = cmd.MarkFlagRequired("credentials")
	return cmd
}
