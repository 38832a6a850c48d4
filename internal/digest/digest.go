// Package digest computes the SHA-256 content digests recorded in manifests.
package digest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const chunkSize = 1 << 20

// Progress is called with the cumulative number of bytes hashed.
type Progress func(done int64)

// File computes the hex SHA-256 of the file at path and returns it with the
// number of bytes read.
func File(ctx context.Context, path string, progress Progress) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sum, n, err := Reader(ctx, f, progress)
	if err != nil {
		return "", n, fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, n, nil
}

// Reader hashes r in chunks, checking ctx between chunks.
func Reader(ctx context.Context, r io.Reader, progress Progress) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", total, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
			if progress != nil {
				progress(total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", total, err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

// Equal compares two hex digests, ignoring case and surrounding whitespace.
// Malformed or empty digests never compare equal.
func Equal(a, b string) bool {
	da, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(a)))
	if err != nil || len(da) != sha256.Size {
		return false
	}
	db, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(b)))
	if err != nil || len(db) != sha256.Size {
		return false
	}
	return bytes.Equal(da, db)
}

// Parse extracts the digest from the first field of sha256sum style output
// ("<hex>  <name>").
func Parse(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty digest output")
	}
	sum := strings.ToLower(fields[0])
	if d, err := hex.DecodeString(sum); err != nil || len(d) != sha256.Size {
		return "", fmt.Errorf("malformed digest %q", fields[0])
	}
	return sum, nil
}
