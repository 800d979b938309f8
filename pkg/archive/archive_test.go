package archive

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReporter captures per-file outcomes for assertions.
type recordingReporter struct {
	copied []string
	failed map[string]error
	bytes  int64
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{failed: make(map[string]error)}
}

func (r *recordingReporter) FileCopied(relPathKey string, size int64) {
	r.copied = append(r.copied, relPathKey)
	r.bytes += size
}

func (r *recordingReporter) FileFailed(relPathKey string, err error) {
	r.failed[relPathKey] = err
}

func createFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readZipEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	out := make(map[string]string)
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

func TestZipRoundTrip(t *testing.T) {
	src := t.TempDir()
	createFile(t, filepath.Join(src, "a.txt"), "alpha")
	createFile(t, filepath.Join(src, "sub", "b.txt"), "beta")

	dest := filepath.Join(t.TempDir(), "out.zip")
	rep := newRecordingReporter()
	require.NoError(t, Write(context.Background(), []string{src}, dest, Options{Format: Zip}, rep))

	entries := readZipEntries(t, dest)
	assert.Equal(t, map[string]string{"a.txt": "alpha", "sub/b.txt": "beta"}, entries)
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, rep.copied)
	assert.Equal(t, int64(9), rep.bytes)
	assert.Empty(t, rep.failed)
}

func TestZipPreservesModTime(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "old.txt")
	createFile(t, path, "x")
	mod := time.Date(2025, 11, 20, 8, 30, 0, 0, time.Local)
	require.NoError(t, os.Chtimes(path, mod, mod))

	dest := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, Write(context.Background(), []string{src}, dest, Options{Format: Zip}, newRecordingReporter()))

	r, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer r.Close()
	require.Len(t, r.File, 1)
	assert.WithinDuration(t, mod, r.File[0].Modified, 2*time.Second)
}

func TestZipMultiRootCollisionOverwrites(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	createFile(t, filepath.Join(rootA, "dup.txt"), "from-a")
	createFile(t, filepath.Join(rootB, "dup.txt"), "from-b")

	dest := filepath.Join(t.TempDir(), "out.zip")
	rep := newRecordingReporter()
	require.NoError(t, Write(context.Background(), []string{rootA, rootB}, dest, Options{Format: Zip}, rep))

	// Both entries exist in the container; the later one wins on extraction.
	r, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"dup.txt", "dup.txt"}, names)

	rc, err := r.File[1].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "from-b", string(data))
	assert.Len(t, rep.copied, 2)
}

func TestZipStrictCollisionRecordsFailure(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	createFile(t, filepath.Join(rootA, "dup.txt"), "from-a")
	createFile(t, filepath.Join(rootB, "dup.txt"), "from-b")

	dest := filepath.Join(t.TempDir(), "out.zip")
	rep := newRecordingReporter()
	opts := Options{Format: Zip, StrictCollisions: true}
	require.NoError(t, Write(context.Background(), []string{rootA, rootB}, dest, opts, rep))

	entries := readZipEntries(t, dest)
	assert.Equal(t, map[string]string{"dup.txt": "from-a"}, entries)
	assert.Equal(t, []string{"dup.txt"}, rep.copied)
	require.Contains(t, rep.failed, "dup.txt")
	assert.ErrorContains(t, rep.failed["dup.txt"], "collides")
}

func TestPreserveRootNames(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "saves")
	createFile(t, filepath.Join(root, "game.sav"), "data")

	dest := filepath.Join(t.TempDir(), "out.zip")
	opts := Options{Format: Zip, PreserveRootNames: true}
	require.NoError(t, Write(context.Background(), []string{root}, dest, opts, newRecordingReporter()))

	want := TaggedBase(root) + "/game.sav"
	entries := readZipEntries(t, dest)
	require.Contains(t, entries, want)
	assert.Equal(t, "data", entries[want])
}

func TestTaggedBase(t *testing.T) {
	assert.Equal(t, "parent__leaf", TaggedBase(filepath.Join("grand", "parent", "leaf")))
}

func TestEmbedLog(t *testing.T) {
	src := t.TempDir()
	createFile(t, filepath.Join(src, "a.txt"), "a")

	dest := filepath.Join(t.TempDir(), "out.zip")
	opts := Options{Format: Zip, EmbedLog: func() string { return "log line one\n" }}
	require.NoError(t, Write(context.Background(), []string{src}, dest, opts, newRecordingReporter()))

	entries := readZipEntries(t, dest)
	assert.Equal(t, "log line one\n", entries["backup_log.txt"])
}

func TestCancelledRunLeavesNoArchive(t *testing.T) {
	src := t.TempDir()
	createFile(t, filepath.Join(src, "a.txt"), "a")

	destDir := t.TempDir()
	dest := filepath.Join(destDir, "out.zip")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := newRecordingReporter()
	err := Write(ctx, []string{src}, dest, Options{Format: Zip}, rep)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.copied)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))

	// The temp file must be cleaned up as well.
	leftovers, err := filepath.Glob(filepath.Join(destDir, "gv-backup-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestTarGzRoundTrip(t *testing.T) {
	src := t.TempDir()
	createFile(t, filepath.Join(src, "a.txt"), "alpha")
	createFile(t, filepath.Join(src, "sub", "b.txt"), "beta")

	dest := filepath.Join(t.TempDir(), "out.tar.gz")
	rep := newRecordingReporter()
	require.NoError(t, Write(context.Background(), []string{src}, dest, Options{Format: TarGz}, rep))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()
	gz, err := pgzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	assert.Equal(t, map[string]string{"a.txt": "alpha", "sub/b.txt": "beta"}, readTarEntries(t, gz))
	assert.Len(t, rep.copied, 2)
}

func TestTarZstRoundTrip(t *testing.T) {
	src := t.TempDir()
	createFile(t, filepath.Join(src, "c.bin"), "zstd-data")

	dest := filepath.Join(t.TempDir(), "out.tar.zst")
	require.NoError(t, Write(context.Background(), []string{src}, dest, Options{Format: TarZst}, newRecordingReporter()))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	assert.Equal(t, map[string]string{"c.bin": "zstd-data"}, readTarEntries(t, zr))
}

func readTarEntries(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	out := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(data)
	}
	return out
}

func TestDryRunWritesNothing(t *testing.T) {
	src := t.TempDir()
	createFile(t, filepath.Join(src, "a.txt"), "a")

	destDir := t.TempDir()
	dest := filepath.Join(destDir, "out.zip")
	rep := newRecordingReporter()
	require.NoError(t, Write(context.Background(), []string{src}, dest, Options{Format: Zip, DryRun: true}, rep))

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, rep.copied)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"":        Zip,
		"zip":     Zip,
		"tar.gz":  TarGz,
		"tgz":     TarGz,
		"tar.zst": TarZst,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", in)
	}

	_, err := ParseFormat("7z")
	assert.Error(t, err)
}

func TestFormatExt(t *testing.T) {
	assert.Equal(t, ".zip", Zip.Ext())
	assert.Equal(t, ".tar.gz", TarGz.Ext())
	assert.Equal(t, ".tar.zst", TarZst.Ext())
}
