package otp

import (
	"math/rand/v2"
)

const numChars = "0123456789"

// GenerateCode returns a numeric code of length n with every digit drawn
// independently and uniformly. The source is not cryptographic: codes are
// short-lived, attempt-limited and not unique across phone numbers.
func GenerateCode(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = numChars[rand.IntN(len(numChars))]
	}
	return string(b)
}
