// Package integrity checks completed downloads against the leading byte
// signature expected for their extension.
package integrity

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

const sniffLen = 512

var (
	magicPDF      = []byte("%PDF")
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicOLE      = []byte{0xD0, 0xCF, 0x11, 0xE0}
)

// Signatures lists the accepted prefixes per lowercase extension. Extensions
// absent from the table are accepted as long as they do not look like HTML.
var Signatures = map[string][][]byte{
	"pdf":  {magicPDF},
	"zip":  {magicZip, magicZipEmpty},
	"xlsx": {magicZip},
	"docx": {magicZip},
	"xls":  {magicOLE},
	"doc":  {magicOLE},
}

// Verifier reads files through an afero filesystem.
type Verifier struct {
	fs afero.Fs
}

// New returns a Verifier over fsys.
func New(fsys afero.Fs) *Verifier {
	return &Verifier{fs: fsys}
}

// Verify returns *acquire.IntegrityError when the file at path does not carry
// the signature for ext.
func (v *Verifier) Verify(path, ext string) error {
	f, err := v.fs.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return Check(path, ext, head[:n])
}

// Check validates an in-memory prefix. It is exported for fetchers that hold
// the head of a body already.
func Check(path, ext string, head []byte) error {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	fail := func() error {
		got := head
		if len(got) > 8 {
			got = got[:8]
		}
		return &acquire.IntegrityError{Path: path, Extension: ext, Got: append([]byte(nil), got...)}
	}
	if len(head) == 0 {
		return fail()
	}
	sigs, ok := Signatures[ext]
	if !ok {
		if looksLikeHTML(head) {
			return fail()
		}
		return nil
	}
	for _, sig := range sigs {
		if bytes.HasPrefix(head, sig) {
			return nil
		}
	}
	return fail()
}

func looksLikeHTML(head []byte) bool {
	trimmed := bytes.TrimLeft(head, " \t\r\n\xef\xbb\xbf")
	return len(trimmed) > 0 && trimmed[0] == '<'
}
