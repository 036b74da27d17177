// Package token mints the per-connection session tokens handed out at
// successful authentication.
package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	// Length is the number of characters in a token.
	Length = 32
	// Alphabet lists the symbols a token is drawn from.
	Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// New returns a fresh token drawn uniformly from Alphabet.
func New() (string, error) {
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Valid reports whether s has the shape of a token.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
