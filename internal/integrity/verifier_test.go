package integrity

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

func TestCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ext  string
		head string
		ok   bool
	}{
		{"pdf", "pdf", "%PDF-1.7\n", true},
		{"pdf upper ext", ".PDF", "%PDF-1.4", true},
		{"pdf html error page", "pdf", "<!DOCTYPE html><html>", false},
		{"xlsx", "xlsx", "PK\x03\x04rest", true},
		{"xlsx ole", "xlsx", "\xD0\xCF\x11\xE0", false},
		{"xls", "xls", "\xD0\xCF\x11\xE0\xA1\xB1", true},
		{"zip empty archive", "zip", "PK\x05\x06", true},
		{"zip truncated", "zip", "PK", false},
		{"csv", "csv", "year,amount\n2026,1\n", true},
		{"csv html", "csv", "\n  <html>", false},
		{"csv bom html", "csv", "\xef\xbb\xbf<html>", false},
		{"empty", "pdf", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Check("/out/f", tc.ext, []byte(tc.head))
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var ie *acquire.IntegrityError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, acquire.KindIntegrity, acquire.Classify(err))
			assert.True(t, acquire.Retryable(err))
		})
	}
}

func TestVerifyReadsFile(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/out/good.pdf", []byte("%PDF-1.7 body"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/out/bad.pdf", []byte("<html><body>503</body></html>"), 0o644))

	v := New(fsys)
	require.NoError(t, v.Verify("/out/good.pdf", "pdf"))

	err := v.Verify("/out/bad.pdf", "pdf")
	var ie *acquire.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "/out/bad.pdf", ie.Path)
	assert.Equal(t, []byte("<html><b"), ie.Got)

	require.Error(t, v.Verify("/out/missing.pdf", "pdf"))
}
