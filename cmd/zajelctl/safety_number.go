package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zajel/zajel/internal/crypto"
)

func computeSafetyNumberHex(pubA, pubB []byte) string {
	return crypto.ComputeSafetyNumber(pubA, pubB)
}

func newSafetyNumberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "safety-number <pubkeyA-hex> <pubkeyB-hex>",
		Short: "Compute the order-independent safety number two public keys share",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("decode pubkeyA: %w", err)
			}
			b, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("decode pubkeyB: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), crypto.ComputeSafetyNumber(a, b))
			return nil
		},
	}
	return cmd
}
