package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"trosyn.dev/go/trosync/internal/config"
	"trosyn.dev/go/trosync/internal/security"
)

var (
	keygenPrint   bool
	keygenKeyring bool
)

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVar(&keygenPrint, "print", false, "print the key instead of writing the config")
	keygenCmd.Flags().BoolVar(&keygenKeyring, "keyring", false, "store the key in the OS keyring instead of the config file")
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a cluster pre-shared key",
	Long: `Generate a cluster pre-shared key.

Every node in a sync cluster must hold the same key. Generate it once,
then copy it to the other nodes (config file or OS keyring). With --print
the key is written to stdout only.`,
	RunE: runKeygen,
}

func runKeygen(cmd *cobra.Command, args []string) error {
	psk, err := security.GeneratePSK()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	defer security.ZeroBytes(psk)

	if keygenPrint {
		fmt.Println(hex.EncodeToString(psk))
		return nil
	}

	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cfg.Security.PSKID == "" {
		cfg.Security.PSKID = "trosync-cluster"
	}

	if keygenKeyring {
		if err := security.StorePSKInKeyring(cfg.Security.PSKID, psk); err != nil {
			return fmt.Errorf("store key in keyring: %w", err)
		}
		cfg.Security.PSK = ""
		cfg.Security.PSKFromKeyring = true
	} else {
		cfg.Security.PSK = hex.EncodeToString(psk)
		cfg.Security.PSKFromKeyring = false
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	if keygenKeyring {
		fmt.Printf("Key stored in the OS keyring as %q; config written to %s\n", cfg.Security.PSKID, path)
	} else {
		fmt.Printf("Key written to %s\n", path)
	}
	fmt.Println("Copy the key to every node in the cluster.")
	return nil
}
