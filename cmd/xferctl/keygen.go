package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opd-ai/xfer/crypto"
)

type KeygenFlags struct {
	Output     string
	Passphrase string
}

var keygenFlags KeygenFlags

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a Noise static key",
	Long: `Keygen writes a new Curve25519 key pair to a key file and prints the
public key. Pass the public key to clients as noise.peer_key.`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if keygenFlags.Output == "" {
			return fmt.Errorf("--output is required")
		}
		if _, err := os.Stat(keygenFlags.Output); err == nil {
			return fmt.Errorf("%s already exists", keygenFlags.Output)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		defer kp.Wipe()

		if err := crypto.SaveKeyPair(keygenFlags.Output, kp, []byte(keygenFlags.Passphrase)); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), kp.PublicHex())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVarP(&keygenFlags.Output, "output", "o", "", "key file to create")
	keygenCmd.Flags().StringVar(&keygenFlags.Passphrase, "passphrase", "", "encrypt the key file with a passphrase")
}
