package listfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchkit/fetchkit/errs"
)

func TestRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.yaml")
	content := `- link: http://example.com/a.bin
  op: /tmp/a.bin
- link: http://example.com/b.bin
  op: /tmp/b.bin
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	entries, err := Read(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "http://example.com/a.bin", entries[0].URL)
	assert.Equal(t, "/tmp/a.bin", entries[0].OutputPath)
}

func TestReadRejectsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- link: http://example.com/a.bin\n"), 0644))
	_, err := Read(path)
	assert.ErrorContains(t, err, "no output path")
	assert.True(t, errs.IsKind(err, errs.KindUnsupported))

	require.NoError(t, os.WriteFile(path, []byte("- op: /tmp/a.bin\n"), 0644))
	_, err = Read(path)
	assert.ErrorContains(t, err, "no link")
	assert.True(t, errs.IsKind(err, errs.KindUnsupported))
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestReadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0644))
	_, err := Read(path)
	assert.True(t, errs.IsKind(err, errs.KindUnsupported))
}
