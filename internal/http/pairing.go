package http

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/securefile"
)

// PairingTokenFile is the file name of the paired extension token.
const PairingTokenFile = "extension_pair_token.txt"

// loadPairingToken loads the extension pairing token from disk.
// Missing file = not paired yet.
func loadPairingToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("empty pairing token")
	}
	return token, nil
}

func writePairingTokenFile(path string, token string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, securefile.DirectoryPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), securefile.FilePerm); err != nil {
		return fmt.Errorf("write pairing token file: %w", err)
	}
	return nil
}
