package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, fsys afero.Fs, path string, members map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fsys, path, buf.Bytes(), 0o644))
}

func TestExtractWritesMembers(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	archive := "/out/2026/TEA/archive/summary.zip"
	writeZip(t, fsys, archive, map[string]string{
		"a.csv":        "x,y\n1,2\n",
		"nested/b.csv": "z\n",
	})

	e := New(fsys, 1, nil)
	n, err := e.Extract(archive)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := afero.ReadFile(fsys, "/out/2026/TEA/archive/summary_extracted/nested/b.csv")
	require.NoError(t, err)
	assert.Equal(t, "z\n", string(got))
}

func TestExtractRejectsTraversal(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeZip(t, fsys, "/out/evil.zip", map[string]string{"../../etc/passwd": "root"})

	_, err := New(fsys, 1, nil).Extract("/out/evil.zip")
	require.ErrorIs(t, err, ErrUnsafePath)
	exists, _ := afero.Exists(fsys, "/etc/passwd")
	assert.False(t, exists)
}

func TestSafeJoin(t *testing.T) {
	t.Parallel()

	_, err := safeJoin("/out/x", "/abs.txt")
	require.ErrorIs(t, err, ErrUnsafePath)
	_, err = safeJoin("/out/x", "..\\up.txt")
	require.ErrorIs(t, err, ErrUnsafePath)
	got, err := safeJoin("/out/x", "ok/file..txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out/x", "ok", "file..txt"), got)
}

func TestWorkerDrainsOnClose(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeZip(t, fsys, "/out/one.zip", map[string]string{"1.csv": "1"})
	writeZip(t, fsys, "/out/two.zip", map[string]string{"2.csv": "2"})
	require.NoError(t, afero.WriteFile(fsys, "/out/bad.zip", []byte("<html>"), 0o644))

	e := New(fsys, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	assert.True(t, e.Enqueue("/out/one.zip"))
	assert.True(t, e.Enqueue("/out/two.zip"))
	assert.True(t, e.Enqueue("/out/bad.zip"))
	assert.False(t, e.Enqueue("/out/report.pdf"))
	cancel()

	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.Extracted)
	assert.Equal(t, int64(1), stats.Failed)
	assert.False(t, e.Enqueue("/out/one.zip"), "closed extractor accepts nothing")
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()

	e := New(afero.NewMemMapFs(), 1, nil)
	assert.True(t, e.Enqueue("/a.zip"))
	assert.False(t, e.Enqueue("/b.zip"))
	assert.Equal(t, int64(1), e.Stats().Dropped)
	e.Close()
}
