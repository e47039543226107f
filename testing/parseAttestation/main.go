package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/edgelesssys/go-nitro-qvl/verification/cbor"
	"github.com/edgelesssys/go-nitro-qvl/verification/types"
)

func main() {
	if err := parseBlob(); err != nil {
		panic(err)
	}
}

func parseBlob() error {
	rawAttestation, err := os.ReadFile("../../blobs/nitro_attestation.bin")
	if err != nil {
		return err
	}

	envelope, err := types.ParseCOSESign1(cbor.Decoder{}, rawAttestation)
	if err != nil {
		return err
	}
	document, err := types.ParseDocumentBytes(cbor.Decoder{}, envelope.Payload)
	if err != nil {
		return err
	}

	prettyPrint, err := json.MarshalIndent(document, "", " ")
	if err != nil {
		return err
	}

	fmt.Println(string(prettyPrint))

	return nil
}
