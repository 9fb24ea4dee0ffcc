package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"vmshift/internal/errkind"
)

// chunkSize bounds per-read memory; a whole disk is never held in memory.
const chunkSize = 4 << 20

// PartialSuffix marks in-flight transfer artifacts.
const PartialSuffix = ".partial"

// streamToFile copies r into path in bounded chunks, checking ctx between
// chunks so cancellation is observed mid-transfer. Returns bytes written
// and the content SHA-256.
func streamToFile(ctx context.Context, r io.Reader, path string) (int64, string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	hash := sha256.New()
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, "", err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, "", werr
			}
			hash.Write(buf[:n])
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, "", rerr
		}
	}
	if err := f.Sync(); err != nil {
		return written, "", err
	}
	return written, hex.EncodeToString(hash.Sum(nil)), nil
}

// promote verifies the transferred size and atomically renames the partial
// artifact over the final path. On mismatch the partial is discarded and
// the transfer fails with the integrity error kind; it is never promoted.
func promote(tmpPath, finalPath string, written, wantSize int64) error {
	if wantSize > 0 && written != wantSize {
		os.Remove(tmpPath)
		return fmt.Errorf("transferred %d bytes, source reported %d: %w",
			written, wantSize, errkind.ErrTransferIntegrityMismatch)
	}
	return os.Rename(tmpPath, finalPath)
}
