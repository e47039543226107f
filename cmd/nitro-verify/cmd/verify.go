package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/edgelesssys/go-nitro-qvl/verification"
	"github.com/edgelesssys/go-nitro-qvl/verification/cbor"
	"github.com/edgelesssys/go-nitro-qvl/verification/chain"
	"github.com/edgelesssys/go-nitro-qvl/verification/crypto"
	"github.com/edgelesssys/go-nitro-qvl/verification/status"
	"github.com/edgelesssys/go-nitro-qvl/verification/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify FILE",
		Short: "Verify an attestation",
		Long: `Verify a serialized COSE_Sign1 attestation and print the verified attestation document.

By default, the attestation must chain to the AWS Nitro Enclaves root certificate (G1),
and all certificates must be valid now.

Examples:
  nitro-verify verify attestation.bin
  nitro-verify verify --attestation-time --root root.pem attestation.bin`,
		Args: cobra.ExactArgs(1),
		RunE: runVerify,
	}
	cmd.Flags().String("root", "", "path to a PEM or DER root certificate (default: AWS Nitro Enclaves root G1)")
	cmd.Flags().Bool("attestation-time", false, "check certificate validity at the time the attestation was created")
	cmd.Flags().Int("max-evidence-size", cbor.DefaultMaxSize, "maximum attestation size in bytes")
	cmd.Flags().Int("max-chain-length", chain.DefaultMaxLength, "maximum number of certificates in the chain, including the leaf")
	cmd.Flags().String("bundle-order", chain.RootFirst.String(), "order of the CA bundle: root-first or leaf-first")
	return cmd
}

type verifyFlags struct {
	root            string
	attestationTime bool
	maxEvidenceSize int
	maxChainLength  int
	orientation     chain.Orientation
}

func parseVerifyFlags(cmd *cobra.Command) (verifyFlags, error) {
	root, err := cmd.Flags().GetString("root")
	if err != nil {
		return verifyFlags{}, err
	}
	attestationTime, err := cmd.Flags().GetBool("attestation-time")
	if err != nil {
		return verifyFlags{}, err
	}
	maxEvidenceSize, err := cmd.Flags().GetInt("max-evidence-size")
	if err != nil {
		return verifyFlags{}, err
	}
	maxChainLength, err := cmd.Flags().GetInt("max-chain-length")
	if err != nil {
		return verifyFlags{}, err
	}
	bundleOrder, err := cmd.Flags().GetString("bundle-order")
	if err != nil {
		return verifyFlags{}, err
	}

	var orientation chain.Orientation
	switch bundleOrder {
	case chain.RootFirst.String():
		orientation = chain.RootFirst
	case chain.LeafFirst.String():
		orientation = chain.LeafFirst
	default:
		return verifyFlags{}, fmt.Errorf("invalid bundle order %q: must be %s or %s", bundleOrder, chain.RootFirst, chain.LeafFirst)
	}

	return verifyFlags{
		root:            root,
		attestationTime: attestationTime,
		maxEvidenceSize: maxEvidenceSize,
		maxChainLength:  maxChainLength,
		orientation:     orientation,
	}, nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	log := zerolog.Ctx(cmd.Context())
	flags, err := parseVerifyFlags(cmd)
	if err != nil {
		return err
	}

	anchor := chain.AWSNitroRootG1()
	if flags.root != "" {
		data, err := os.ReadFile(flags.root)
		if err != nil {
			return fmt.Errorf("reading root certificate: %w", err)
		}
		if anchor, err = crypto.ParseCertificateFile(data); err != nil {
			return fmt.Errorf("parsing root certificate: %w", err)
		}
	}

	opts := []verification.Option{
		verification.WithLogger(*log),
		verification.WithMaxEvidenceSize(flags.maxEvidenceSize),
		verification.WithMaxChainLength(flags.maxChainLength),
		verification.WithBundleOrientation(flags.orientation),
	}
	if flags.attestationTime {
		opts = append(opts, verification.WithAttestationTime())
	}
	verifier, err := verification.New(anchor, opts...)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading attestation: %w", err)
	}
	log.Debug().Str("file", args[0]).Int("size", len(raw)).Msg("Verifying attestation")

	result, err := verifier.Verify(raw)
	if err != nil {
		if writeErr := writeJSON(cmd.OutOrStdout(), newRejection(err)); writeErr != nil {
			return errors.Join(err, writeErr)
		}
		return err
	}

	log.Info().Str("module_id", result.Document.ModuleID).Msg("Attestation verified")
	return writeJSON(cmd.OutOrStdout(), newVerdict(result))
}

type verdict struct {
	Trusted      bool                       `json:"trusted"`
	CheckedAt    *time.Time                 `json:"checked_at,omitempty"`
	Certificates []string                   `json:"certificates"`
	Document     *types.AttestationDocument `json:"document,omitempty"`
	Error        *rejection                 `json:"error,omitempty"`
}

type rejection struct {
	Code    status.Code  `json:"code"`
	Stage   status.Stage `json:"stage,omitempty"`
	Field   string       `json:"field,omitempty"`
	Index   *int         `json:"index,omitempty"`
	Offset  *int         `json:"offset,omitempty"`
	Message string       `json:"message"`
}

func newVerdict(result *verification.Result) verdict {
	subjects := make([]string, len(result.Certificates))
	for i, cert := range result.Certificates {
		subjects[i] = cert.Subject.String()
	}
	return verdict{
		Trusted:      result.Trusted,
		CheckedAt:    &result.CheckedAt,
		Certificates: subjects,
		Document:     &result.Document,
	}
}

func newRejection(err error) verdict {
	r := &rejection{Code: status.CodeOf(err), Message: err.Error()}
	if statusErr := status.AsError(err); statusErr != nil {
		r.Stage = statusErr.Stage
		r.Field = statusErr.Field
		if statusErr.Index >= 0 {
			r.Index = &statusErr.Index
		}
		if statusErr.Offset >= 0 {
			r.Offset = &statusErr.Offset
		}
	}
	return verdict{Certificates: []string{}, Error: r}
}
