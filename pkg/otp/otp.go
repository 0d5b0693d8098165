// Package otp issues and checks one-time codes for the session challenge flow.
package otp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrContactTooShort is returned by LastDigits when the contact has fewer digits than the code length.
var ErrContactTooShort = errors.New("otp: contact value too short for code length")

// Strategy produces the code a challenge expects for a given contact value.
type Strategy interface {
	Name() string
	Issue(contact string) (string, error)
}

// LastDigits derives the code from the trailing digits of the contact value.
//
// This mirrors the placeholder scheme of the legacy clients: anyone who knows the phone
// number knows the code. Use Random for anything beyond local development.
type LastDigits struct {
	Length int
}

func (s LastDigits) Name() string { return "last_digits" }

func (s LastDigits) Issue(contact string) (string, error) {
	digits := onlyDigits(contact)
	n := codeLength(s.Length)
	if len(digits) < n {
		return "", ErrContactTooShort
	}
	return digits[len(digits)-n:], nil
}

// Random draws a uniformly random numeric code.
type Random struct {
	Length int
}

func (s Random) Name() string { return "random" }

func (s Random) Issue(string) (string, error) {
	n := codeLength(s.Length)
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("otp: read random digit: %w", err)
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

// Hasher stores codes as bcrypt hashes so a leaked challenge record does not reveal the code.
type Hasher struct {
	Cost int
}

// Hash returns the bcrypt hash of code.
func (h Hasher) Hash(code string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", fmt.Errorf("otp: hash code: %w", err)
	}
	return string(out), nil
}

// Matches reports whether code matches hash.
func (h Hasher) Matches(hash, code string) bool {
	if hash == "" || code == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(strings.TrimSpace(code))) == nil
}

// Mask hides all but the last two characters of a destination for logs and responses.
func Mask(destination string) string {
	if len(destination) <= 2 {
		return strings.Repeat("*", len(destination))
	}
	return strings.Repeat("*", len(destination)-2) + destination[len(destination)-2:]
}

func codeLength(n int) int {
	if n <= 0 {
		return 6
	}
	return n
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
