package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zajel/zajel/internal/channel"
)

const (
	manifestFile   = "manifest.json"
	ownerKeyFile   = "owner.key"
	encryptKeyFile = "encrypt.key"
)

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Create broadcast channels and encode/decode subscriber invites",
	}
	cmd.AddCommand(newChannelCreateCmd())
	cmd.AddCommand(newChannelInviteCmd())
	cmd.AddCommand(newChannelDecodeInviteCmd())
	return cmd
}

func newChannelCreateCmd() *cobra.Command {
	var description, outputDir string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new broadcast channel and write its owner material to disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ownerKP, encKP, err := channel.Create(args[0], description, channel.DefaultRules())
			if err != nil {
				return err
			}
			if outputDir == "" {
				outputDir = m.ChannelId
			}
			if err := os.MkdirAll(outputDir, 0o700); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}

			manifestJSON, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal manifest: %w", err)
			}
			if err := os.WriteFile(filepath.Join(outputDir, manifestFile), manifestJSON, 0o644); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}
			if err := os.WriteFile(filepath.Join(outputDir, ownerKeyFile), []byte(hex.EncodeToString(ownerKP.PrivateKey)), 0o600); err != nil {
				return fmt.Errorf("write owner key: %w", err)
			}
			if err := os.WriteFile(filepath.Join(outputDir, encryptKeyFile), []byte(hex.EncodeToString(encKP.PrivateKey[:])), 0o600); err != nil {
				return fmt.Errorf("write encryption key: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "channelId: %s\n", m.ChannelId)
			fmt.Fprintf(cmd.OutOrStdout(), "written to: %s\n", outputDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "channel description")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory to write manifest.json, owner.key and encrypt.key into (default: ./<channelId>)")
	return cmd
}

func newChannelInviteCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Encode a subscriber invite link from a channel's manifest and encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifestJSON, err := os.ReadFile(filepath.Join(dir, manifestFile))
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			var m channel.Manifest
			if err := json.Unmarshal(manifestJSON, &m); err != nil {
				return fmt.Errorf("unmarshal manifest: %w", err)
			}
			encKeyHex, err := os.ReadFile(filepath.Join(dir, encryptKeyFile))
			if err != nil {
				return fmt.Errorf("read encryption key: %w", err)
			}
			keyBytes, err := hex.DecodeString(string(encKeyHex))
			if err != nil || len(keyBytes) != 32 {
				return fmt.Errorf("encryption key file is not 32 bytes of hex")
			}
			var key [32]byte
			copy(key[:], keyBytes)

			link, err := channel.EncodeInviteLink(channel.InviteLink{Manifest: m, EncryptionPrivateKey: key})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), link)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding manifest.json and encrypt.key")
	return cmd
}

func newChannelDecodeInviteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode-invite <link>",
		Short: "Decode and verify a subscriber invite link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := channel.DecodeInviteLink(args[0])
			if err != nil {
				return err
			}
			if !channel.VerifyManifest(link.Manifest) {
				return fmt.Errorf("invite manifest signature does not verify")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channelId: %s\n", link.Manifest.ChannelId)
			fmt.Fprintf(cmd.OutOrStdout(), "name: %s\n", link.Manifest.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "ownerKey: %x\n", []byte(link.Manifest.OwnerKey))
			fmt.Fprintf(cmd.OutOrStdout(), "keyEpoch: %d\n", link.Manifest.KeyEpoch)
			return nil
		},
	}
	return cmd
}
