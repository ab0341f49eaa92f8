package signer

import (
	"crypto/sha1" //nolint:gosec // mandated by the remote API
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// SampleSize is the number of leading bytes covered by SampleChecksum.
const SampleSize = 256

// SampleChecksum returns the lowercase hex SHA-1 of the first SampleSize
// bytes of r (fewer if r is shorter). r is rewound to its origin before
// reading and again afterwards, so it can be transmitted in full.
//
// The checksum samples content; it is not a whole-file integrity hash.
// The upload endpoint verifies exactly this value.
func SampleChecksum(r io.ReadSeeker) (string, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind: %w", err)
	}

	buf := make([]byte, SampleSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("read sample: %w", err)
	}

	sum := sha1.Sum(buf[:n]) //nolint:gosec
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind: %w", err)
	}
	return hex.EncodeToString(sum[:]), nil
}
