package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmshift/internal/errkind"
)

func TestStreamToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.img")
	payload := strings.Repeat("x", 1000)

	written, sum, err := streamToFile(context.Background(), strings.NewReader(payload), path)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), written)

	want := sha256.Sum256([]byte(payload))
	assert.Equal(t, hex.EncodeToString(want[:]), sum)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestStreamToFileCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := streamToFile(ctx, strings.NewReader("data"), filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPromoteMatchingSize(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "out.img"+PartialSuffix)
	final := filepath.Join(dir, "out.img")
	require.NoError(t, os.WriteFile(tmp, []byte("12345678"), 0o644))

	require.NoError(t, promote(tmp, final, 8, 8))

	_, err := os.Stat(final)
	assert.NoError(t, err)
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}

func TestPromoteSizeMismatchNeverPromotes(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "out.img"+PartialSuffix)
	final := filepath.Join(dir, "out.img")
	require.NoError(t, os.WriteFile(tmp, []byte("1234"), 0o644))

	err := promote(tmp, final, 4, 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrTransferIntegrityMismatch)

	_, err = os.Stat(final)
	assert.True(t, os.IsNotExist(err), "mismatched artifact must not reach the final path")
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err), "partial must be discarded on mismatch")
}

func TestPromoteUnknownSize(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "out.img"+PartialSuffix)
	final := filepath.Join(dir, "out.img")
	require.NoError(t, os.WriteFile(tmp, []byte("1234"), 0o644))

	// Size 0 means the source did not report one; promote on what arrived.
	require.NoError(t, promote(tmp, final, 4, 0))
	_, err := os.Stat(final)
	assert.NoError(t, err)
}
