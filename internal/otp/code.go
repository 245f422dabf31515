package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultCodeLen is the number of digits in a generated code.
	DefaultCodeLen = 6

	// MaxCodeLen keeps 10^n within an int64.
	MaxCodeLen = 18
)

// GenerateCode returns a random numeric code of exactly n digits drawn
// uniformly from crypto/rand. Leading zeroes are kept, eg: "000452".
func GenerateCode(n int) (string, error) {
	if n < 1 || n > MaxCodeLen {
		return "", fmt.Errorf("invalid code length %d", n)
	}

	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v.Int64()), nil
}

// newID returns a ULID for a new OTP record.
func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}
