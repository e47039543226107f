// nitro-verify verifies AWS Nitro Enclave attestations and requests them from the Nitro Secure Module.
package main

import (
	"fmt"
	"os"

	"github.com/edgelesssys/go-nitro-qvl/cmd/nitro-verify/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
