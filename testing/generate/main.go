package main

import (
	"fmt"
	"log"
	"os"

	"github.com/edgelesssys/go-nitro-qvl/nsm"
)

func main() {
	if err := testNSM(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func testNSM() error {
	handle, err := nsm.Open()
	if err != nil {
		return err
	}
	defer handle.Close()

	pcr, err := nsm.DescribePCR(handle, 0)
	if err != nil {
		return err
	}
	log.Printf("PCR0: %x (locked: %t)", pcr.Data, pcr.Lock)

	userData := []byte("Hello from Edgeless Systems!")
	attestation, err := nsm.GetAttestation(handle, userData, nil, nil)
	if err != nil {
		return err
	}

	if err := os.WriteFile("attestation", attestation, 0o644); err != nil {
		return err
	}
	log.Println("Successfully written attestation")

	return nil
}
