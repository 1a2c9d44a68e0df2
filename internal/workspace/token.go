package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// TokenFile is the name of the per-run anti-tamper token in the share root.
const TokenFile = "anti_cheating_hash.txt"

// NewToken returns a fresh, unguessable per-run token.
func NewToken() string {
	id := uuid.New()
	sum := sha256.Sum256(id[:])
	return hex.EncodeToString(sum[:])
}

// WriteToken atomically writes token to path.
func WriteToken(path, token string) error {
	if token == "" {
		return fmt.Errorf("write token: empty token")
	}
	if err := renameio.WriteFile(path, []byte(token), 0o644); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// ReadToken reads a token written by WriteToken.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("read token: %s is empty", path)
	}
	return token, nil
}
