package sidecar

import (
	"golang.org/x/text/encoding/unicode"
)

// Decode converts a raw line to text. Invalid UTF-8 sequences are replaced by
// U+FFFD, so decoding never fails.
func Decode(line []byte) string {
	s, err := unicode.UTF8.NewDecoder().Bytes(line)
	if err != nil {
		// the replacing decoder does not fail, keep the raw bytes just in case
		return string(line)
	}
	return string(s)
}
