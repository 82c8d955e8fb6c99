// Command keygen generates the symmetric secrets the security core
// needs for local development: a JWT signing secret and an AES field-
// encryption master key. Production secrets should come from a secrets
// manager, not this tool.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	jwtSecret, err := randomHex(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate JWT secret: %v\n", err)
		os.Exit(1)
	}

	aesKey, err := randomHex(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate AES key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env ---")
	fmt.Printf("JWT_SECRET=%s\n", jwtSecret)
	fmt.Printf("AES_ENCRYPTION_KEY=%s\n", aesKey)
	fmt.Println("--------------------------------")
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
