package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zajel/zajel/internal/identity"
)

// passphraseFlags holds the four mutually-exclusive passphrase options:
// three ways to supply a keystore passphrase non-interactively, plus
// --no-passphrase. zajelctl never reads from a
// terminal: a CLI invoked from scripts and CI needs a passphrase source
// that doesn't block on stdin.
type passphraseFlags struct {
	value    string
	envVar   string
	file     string
	none     bool
}

func (f *passphraseFlags) register(fs *cobra.Command) {
	fs.Flags().StringVar(&f.value, "passphrase", "", "keystore passphrase (prefer --passphrase-env or --passphrase-file)")
	fs.Flags().StringVar(&f.envVar, "passphrase-env", "", "name of an environment variable holding the passphrase")
	fs.Flags().StringVar(&f.file, "passphrase-file", "", "path to a file holding the passphrase")
	fs.Flags().BoolVar(&f.none, "no-passphrase", false, "store the identity key unencrypted")
}

func (f *passphraseFlags) resolve() (string, error) {
	set := 0
	if f.value != "" {
		set++
	}
	if f.envVar != "" {
		set++
	}
	if f.file != "" {
		set++
	}
	if f.none {
		set++
	}
	if set > 1 {
		return "", fmt.Errorf("specify at most one of --passphrase, --passphrase-env, --passphrase-file, --no-passphrase")
	}
	switch {
	case f.none:
		return "", nil
	case f.envVar != "":
		v, ok := os.LookupEnv(f.envVar)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", f.envVar)
		}
		return v, nil
	case f.file != "":
		b, err := os.ReadFile(f.file)
		if err != nil {
			return "", fmt.Errorf("read passphrase file: %w", err)
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	default:
		return f.value, nil
	}
}

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Generate and inspect the local device identity",
	}
	cmd.AddCommand(newIdentityGenerateCmd())
	cmd.AddCommand(newIdentityShowCmd())
	cmd.AddCommand(newIdentityMnemonicCmd())
	cmd.AddCommand(newIdentityPairingLinkCmd())
	return cmd
}

func newIdentityGenerateCmd() *cobra.Command {
	var stableIDPath, keystorePath string
	var pass passphraseFlags

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create the device identity if it doesn't already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := pass.resolve()
			if err != nil {
				return err
			}
			id, err := identity.LoadOrCreate(stableIDPath, keystorePath, passphrase)
			if err != nil {
				return fmt.Errorf("load or create identity: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stableId: %016x\n", id.StableId)
			fmt.Fprintf(cmd.OutOrStdout(), "mnemonic: %s\n", identity.ToMnemonic(id.StableId))
			fmt.Fprintf(cmd.OutOrStdout(), "tag: %s\n", id.Tag())
			return nil
		},
	}
	cmd.Flags().StringVar(&stableIDPath, "stable-id-path", "", "override the default stable id path")
	cmd.Flags().StringVar(&keystorePath, "keystore-path", "", "override the default keystore path")
	pass.register(cmd)
	return cmd
}

func newIdentityShowCmd() *cobra.Command {
	var stableIDPath, keystorePath string
	var pass passphraseFlags

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display the device identity's stableId, tag and public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := pass.resolve()
			if err != nil {
				return err
			}
			id, err := identity.LoadOrCreate(stableIDPath, keystorePath, passphrase)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stableId: %016x\n", id.StableId)
			fmt.Fprintf(cmd.OutOrStdout(), "tag: %s\n", id.Tag())
			fmt.Fprintf(cmd.OutOrStdout(), "displayName: %s\n", id.DisplayName("you"))
			fmt.Fprintf(cmd.OutOrStdout(), "encryptionPublicKey: %x\n", id.Encryption.PublicKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&stableIDPath, "stable-id-path", "", "override the default stable id path")
	cmd.Flags().StringVar(&keystorePath, "keystore-path", "", "override the default keystore path")
	pass.register(cmd)
	return cmd
}

func newIdentityMnemonicCmd() *cobra.Command {
	var decode bool
	cmd := &cobra.Command{
		Use:   "mnemonic [stableId-hex | mnemonic-words...]",
		Short: "Convert between a stableId and its 6-word mnemonic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decode {
				id, err := identity.FromMnemonic(strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%016x\n", id)
				return nil
			}
			var id uint64
			if _, err := fmt.Sscanf(args[0], "%x", &id); err != nil {
				return fmt.Errorf("parse stableId hex: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), identity.ToMnemonic(id))
			return nil
		},
	}
	cmd.Flags().BoolVar(&decode, "decode", false, "treat the arguments as mnemonic words and print the stableId")
	return cmd
}

func newIdentityPairingLinkCmd() *cobra.Command {
	var stableIDPath, keystorePath, domain, otherPublicKey string
	var short bool
	var pass passphraseFlags

	cmd := &cobra.Command{
		Use:   "pairing-link",
		Short: "Print this device's pairing link",
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := pass.resolve()
			if err != nil {
				return err
			}
			id, err := identity.LoadOrCreate(stableIDPath, keystorePath, passphrase)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}

			if short {
				fmt.Fprintln(cmd.OutOrStdout(), identity.EncodePairingLinkShort(id.StableId))
				return nil
			}

			safetyNumber := ""
			if otherPublicKey != "" {
				other, err := hex.DecodeString(otherPublicKey)
				if err != nil || len(other) != 32 {
					return fmt.Errorf("parse --other-public-key: want 32 bytes of hex")
				}
				safetyNumber = computeSafetyNumberHex(id.Encryption.PublicKey[:], other)
			}
			if domain != "" {
				fmt.Fprintln(cmd.OutOrStdout(), identity.EncodePairingLinkHTTPS(domain, id.StableId, safetyNumber))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), identity.EncodePairingLink(id.StableId, safetyNumber))
			return nil
		},
	}
	cmd.Flags().StringVar(&stableIDPath, "stable-id-path", "", "override the default stable id path")
	cmd.Flags().StringVar(&keystorePath, "keystore-path", "", "override the default keystore path")
	cmd.Flags().StringVar(&domain, "domain", "", "emit an https://<domain>/c/<hex> link instead of zajel://c/<hex>")
	cmd.Flags().StringVar(&otherPublicKey, "other-public-key", "", "hex-encoded peer public key to embed a safety number for")
	cmd.Flags().BoolVar(&short, "short", false, "emit the 11-character base58 short form instead")
	pass.register(cmd)
	return cmd
}
