// Package randsrc supplies the random digit strings used to fill simulated
// HSM payload fields.
package randsrc

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"strings"
	"sync"
)

// Alphabet is the character set a random field is drawn from.
type Alphabet string

const (
	Hex     Alphabet = "hex"
	Decimal Alphabet = "decimal"
)

const (
	hexDigits     = "0123456789ABCDEF"
	decimalDigits = "0123456789"
)

// ParseAlphabet maps a config token to an Alphabet.
func ParseAlphabet(value string) (Alphabet, error) {
	switch Alphabet(strings.ToLower(strings.TrimSpace(value))) {
	case Hex, "":
		return Hex, nil
	case Decimal, "dec", "digits":
		return Decimal, nil
	default:
		return "", fmt.Errorf("unknown alphabet %q (want hex or decimal)", value)
	}
}

// Digits returns the characters of the alphabet in ascending order.
func (a Alphabet) Digits() string {
	if a == Decimal {
		return decimalDigits
	}
	return hexDigits
}

// DefaultLength is the payload length used when none is configured.
func (a Alphabet) DefaultLength() int {
	if a == Decimal {
		return 6
	}
	return 16
}

// Valid reports whether every byte of s belongs to the alphabet.
func (a Alphabet) Valid(s string) bool {
	digits := a.Digits()
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(digits, s[i]) < 0 {
			return false
		}
	}
	return true
}

// Source produces random strings. Implementations must be safe for
// concurrent use by independent connections.
type Source interface {
	String(n int, alphabet Alphabet) (string, error)
}

// Crypto draws from crypto/rand.
type Crypto struct{}

// NewCrypto returns the default process-wide source.
func NewCrypto() Crypto {
	return Crypto{}
}

func (Crypto) String(n int, alphabet Alphabet) (string, error) {
	if n <= 0 {
		return "", nil
	}
	digits := alphabet.Digits()
	// Largest multiple of len(digits) that fits in a byte; higher values are
	// rejected so every digit is equally likely.
	limit := 256 - 256%len(digits)
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, digits[int(b)%len(digits)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// Seeded is a deterministic source for reproducible test runs.
type Seeded struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeeded builds a Seeded source from a fixed seed.
func NewSeeded(seed uint64) *Seeded {
	return &Seeded{rng: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *Seeded) String(n int, alphabet Alphabet) (string, error) {
	if n <= 0 {
		return "", nil
	}
	digits := alphabet.Digits()
	out := make([]byte, n)
	s.mu.Lock()
	for i := range out {
		out[i] = digits[s.rng.IntN(len(digits))]
	}
	s.mu.Unlock()
	return string(out), nil
}
