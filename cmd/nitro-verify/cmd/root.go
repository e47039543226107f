// Package cmd implements the nitro-verify CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.0.0"

// NewRootCmd returns the nitro-verify root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nitro-verify",
		Short: "Verify and request AWS Nitro Enclave attestations",
		Long: `nitro-verify verifies attestation documents of AWS Nitro Enclaves against a pinned root certificate.

Verification is offline: the certificates needed are part of the attestation.
Inside an enclave, it can also request attestations from the Nitro Secure Module
and read its platform configuration registers.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setUpLogger,
	}
	cmd.PersistentFlags().String("log-level", "info", "log level: trace, debug, info, warn, error")

	cmd.AddCommand(
		newVerifyCmd(),
		newAttestationCmd(),
		newDescribeNSMCmd(),
		newDescribePCRCmd(),
	)
	return cmd
}

// setUpLogger attaches a console logger writing to stderr to the command context.
func setUpLogger(cmd *cobra.Command, _ []string) error {
	levelName, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Str("command", cmd.Name()).Logger()
	cmd.SetContext(log.WithContext(cmd.Context()))
	return nil
}

// writeJSON writes v to out as indented JSON.
func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
