// Command zajelctl is the operator/developer CLI for zajel identities and
// channels: generate and inspect a device identity, derive pairing links
// and safety numbers, and create broadcast channels from the shell.
//
// Grounded on the cobra command-tree idiom used across the pack (e.g.
// orbas1-Synnergy's cmd/cli package: one *cobra.Command per noun, RunE
// returning errors instead of calling os.Exit directly) rather than
// keygen's hand-rolled flag.FlagSet dispatch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "zajelctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zajelctl",
		Short: "Manage zajel device identities and broadcast channels",
	}
	root.AddCommand(newIdentityCmd())
	root.AddCommand(newChannelCmd())
	root.AddCommand(newSafetyNumberCmd())
	return root
}
