package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Converter is the image conversion/flatten collaborator.
// Both operations must be idempotent: re-running on existing valid output
// is a no-op, which keeps resumed pipelines safe.
type Converter interface {
	// Flatten collapses a snapshot/delta chain into one self-contained
	// image. The input is the chain's leaf; the tool follows backing
	// references.
	Flatten(ctx context.Context, leafPath, outPath, format string) error

	// Convert transcodes to the target format, optionally compressed.
	Convert(ctx context.Context, inPath, outPath, format string, compress bool) error
}

// QemuImg implements Converter by shelling out to qemu-img.
type QemuImg struct {
	Logger *zap.Logger
	Bin    string // defaults to "qemu-img"
}

func (q *QemuImg) bin() string {
	if q.Bin != "" {
		return q.Bin
	}
	return "qemu-img"
}

// imageInfo is the subset of `qemu-img info --output=json` we consume.
type imageInfo struct {
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"`
}

// validOutput reports whether outPath already exists as a readable image of
// the requested format.
func (q *QemuImg) validOutput(ctx context.Context, outPath, format string) bool {
	if _, err := os.Stat(outPath); err != nil {
		return false
	}
	out, err := Output(ctx, q.bin(), "info", "--output=json", outPath)
	if err != nil {
		return false
	}
	var info imageInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return false
	}
	return info.Format == format
}

// Flatten implements Converter.
func (q *QemuImg) Flatten(ctx context.Context, leafPath, outPath, format string) error {
	if q.validOutput(ctx, outPath, format) {
		q.Logger.Info("flatten output already valid, skipping",
			zap.String("output", outPath))
		return nil
	}

	tmp := outPath + ".partial"
	defer os.Remove(tmp)

	if err := Run(ctx, q.bin(), "convert", "-O", format, leafPath, tmp); err != nil {
		return fmt.Errorf("flatten %s: %w", leafPath, err)
	}
	return os.Rename(tmp, outPath)
}

// Convert implements Converter.
func (q *QemuImg) Convert(ctx context.Context, inPath, outPath, format string, compress bool) error {
	if q.validOutput(ctx, outPath, format) {
		q.Logger.Info("convert output already valid, skipping",
			zap.String("output", outPath))
		return nil
	}

	args := []string{"convert", "-O", format}
	if compress && format == "qcow2" {
		args = append(args, "-c")
	}
	tmp := outPath + ".partial"
	defer os.Remove(tmp)

	args = append(args, inPath, tmp)
	if err := Run(ctx, q.bin(), args...); err != nil {
		return fmt.Errorf("convert %s: %w", inPath, err)
	}

	// qemu-img check only understands formats with metadata.
	if format == "qcow2" {
		if err := Run(ctx, q.bin(), "check", tmp); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("converted image failed check: %w", err)
		}
	}
	return os.Rename(tmp, outPath)
}
