package app

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"
)

const (
	orderNumberPrefix   = "FN"
	orderNumberAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	orderNumberSuffix   = 6
)

// newOrderNumber formats FN-YYYYMMDD-XXXXXX with a random base36 suffix.
func newOrderNumber(now time.Time, random io.Reader) (string, error) {
	alphabetSize := big.NewInt(int64(len(orderNumberAlphabet)))
	suffix := make([]byte, orderNumberSuffix)
	for i := range suffix {
		n, err := rand.Int(random, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate order number: %w", err)
		}
		suffix[i] = orderNumberAlphabet[n.Int64()]
	}
	return fmt.Sprintf("%s-%s-%s", orderNumberPrefix, now.UTC().Format("20060102"), suffix), nil
}
