package main

import (
	"fmt"
	"os"

	"github.com/edgelesssys/go-nitro-qvl/blobs"
	"github.com/edgelesssys/go-nitro-qvl/verification"
)

func main() {
	if err := testVerify(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func testVerify() error {
	verifier, err := verification.NewWithAWSRoot(verification.WithAttestationTime())
	if err != nil {
		return err
	}
	result, err := verifier.Verify(blobs.NitroAttestation())
	if err != nil {
		return err
	}
	fmt.Printf("Verified attestation of %s created at %s\n", result.Document.ModuleID, result.CheckedAt)
	return nil
}
