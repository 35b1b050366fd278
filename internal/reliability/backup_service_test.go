package reliability

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	require.NoError(t, os.WriteFile(src, []byte("sqlite data"), 0644))

	dst := filepath.Join(dir, "dst.db")
	require.NoError(t, copyFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "sqlite data", string(got))
}

func TestChecksumFile_IsDeterministicSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.db")
	require.NoError(t, os.WriteFile(path, []byte("fixed content"), 0644))

	sum1, err := checksumFile(path)
	require.NoError(t, err)
	sum2, err := checksumFile(path)
	require.NoError(t, err)

	assert.Equal(t, sum1, sum2)
	assert.Contains(t, sum1, "sha256:")
}

func TestChecksumFile_DiffersForDifferentContent(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.db")
	pathB := filepath.Join(dir, "b.db")
	require.NoError(t, os.WriteFile(pathA, []byte("content a"), 0644))
	require.NoError(t, os.WriteFile(pathB, []byte("content b"), 0644))

	sumA, err := checksumFile(pathA)
	require.NoError(t, err)
	sumB, err := checksumFile(pathB)
	require.NoError(t, err)

	assert.NotEqual(t, sumA, sumB)
}

func TestWriteMetadata_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup-metadata.json")

	meta := BackupMetadata{
		Timestamp: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		Version:   "1.0.0",
		Databases: []DatabaseMetadata{
			{Name: "candles", Filename: "candles.db", SizeBytes: 1024, Checksum: "sha256:abc"},
		},
	}
	require.NoError(t, writeMetadata(path, meta))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got BackupMetadata
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, meta.Version, got.Version)
	require.Len(t, got.Databases, 1)
	assert.Equal(t, "candles", got.Databases[0].Name)
	assert.Equal(t, int64(1024), got.Databases[0].SizeBytes)
}

func TestCreateArchive_ProducesReadableTarGz(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "candles.db"), []byte("candle bytes"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup-metadata.json"), []byte(`{"version":"1.0.0"}`), 0644))

	archivePath := filepath.Join(dir, "out.tar.gz")
	require.NoError(t, createArchive(archivePath, dir, []string{"candles", "backup-metadata"}))

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	tr := tar.NewReader(gz)
	names := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		names[hdr.Name] = string(body)
	}

	assert.Equal(t, "candle bytes", names["candles.db"])
	assert.Equal(t, `{"version":"1.0.0"}`, names["backup-metadata.json"])
}
