package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/edgelesssys/go-nitro-qvl/nsm"
	"github.com/edgelesssys/go-nitro-qvl/verification/cbor"
	"github.com/edgelesssys/go-nitro-qvl/verification/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newAttestationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attestation",
		Short: "Request an attestation from the Nitro Secure Module",
		Long: `Request an attestation document signed by the Nitro Secure Module and print its contents.

The attestation is not verified. Use --out to store it for verification elsewhere.

Examples:
  nitro-verify attestation --user-data "hello" --out attestation.bin
  nitro-verify attestation --nonce 0102030405060708`,
		Args: cobra.NoArgs,
		RunE: runAttestation,
	}
	cmd.Flags().String("user-data", "", "user data to embed in the attestation document")
	cmd.Flags().String("nonce", "", "hex encoded nonce to embed in the attestation document")
	cmd.Flags().String("public-key", "", "path to a public key to embed in the attestation document")
	cmd.Flags().String("out", "", "path to write the serialized attestation to")
	return cmd
}

func runAttestation(cmd *cobra.Command, _ []string) error {
	log := zerolog.Ctx(cmd.Context())

	var userData, nonce, publicKey []byte
	if cmd.Flags().Changed("user-data") {
		value, err := cmd.Flags().GetString("user-data")
		if err != nil {
			return err
		}
		userData = []byte(value)
	}
	if cmd.Flags().Changed("nonce") {
		value, err := cmd.Flags().GetString("nonce")
		if err != nil {
			return err
		}
		if nonce, err = hex.DecodeString(value); err != nil {
			return fmt.Errorf("decoding nonce: %w", err)
		}
	}
	if path, err := cmd.Flags().GetString("public-key"); err != nil {
		return err
	} else if path != "" {
		if publicKey, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("reading public key: %w", err)
		}
	}
	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}

	handle, err := nsm.Open()
	if err != nil {
		return err
	}
	defer handle.Close()

	raw, err := nsm.GetAttestation(handle, userData, nonce, publicKey)
	if err != nil {
		return err
	}
	log.Debug().Int("size", len(raw)).Msg("Received attestation")

	if out != "" {
		if err := os.WriteFile(out, raw, 0o644); err != nil {
			return fmt.Errorf("writing attestation: %w", err)
		}
		log.Info().Str("file", out).Msg("Successfully written attestation")
	}

	envelope, err := types.ParseCOSESign1(cbor.Decoder{}, raw)
	if err != nil {
		return fmt.Errorf("parsing COSE_Sign1 envelope: %w", err)
	}
	doc, err := types.ParseDocumentBytes(cbor.Decoder{}, envelope.Payload)
	if err != nil {
		return fmt.Errorf("parsing attestation document: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), doc)
}

func newDescribeNSMCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe-nsm",
		Short: "Print capabilities and version of the Nitro Secure Module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			handle, err := nsm.Open()
			if err != nil {
				return err
			}
			defer handle.Close()

			description, err := nsm.DescribeNSM(handle)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), description)
		},
	}
}

func newDescribePCRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe-pcr",
		Short: "Read a platform configuration register of the Nitro Secure Module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			index, err := cmd.Flags().GetUint16("index")
			if err != nil {
				return err
			}

			handle, err := nsm.Open()
			if err != nil {
				return err
			}
			defer handle.Close()

			pcr, err := nsm.DescribePCR(handle, index)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				Index uint16 `json:"index"`
				Lock  bool   `json:"lock"`
				Data  string `json:"data"`
			}{index, pcr.Lock, hex.EncodeToString(pcr.Data)})
		},
	}
	cmd.Flags().Uint16P("index", "i", 0, "PCR index")
	must(cmd.MarkFlagRequired("index"))
	return cmd
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
