package filetype

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

func buildArchive(t *testing.T, files map[string]string, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func docxBytes(t *testing.T) []byte {
	files := map[string]string{
		"[Content_Types].xml": `<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"></Types>`,
		"_rels/.rels":         `<?xml version="1.0"?><Relationships/>`,
		"word/document.xml":   `<?xml version="1.0"?><w:document/>`,
	}
	return buildArchive(t, files, "[Content_Types].xml", "_rels/.rels", "word/document.xml")
}

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

type recordingSniffer struct {
	calls []string
	types map[string]FileType
}

func (s *recordingSniffer) Sniff(body io.ReadSeeker, filename, _ string) (FileType, error) {
	s.calls = append(s.calls, filename)
	// Consume the body so offset restoration is observable.
	_, _ = io.ReadAll(body)
	return s.types[filename], nil
}

func TestResolveExplicitHintWins(t *testing.T) {
	sniffer := &recordingSniffer{}
	r := NewResolver(sniffer)

	res, err := r.Resolve(bytes.NewReader(pdfBytes), "doc.pdf", "text/plain; charset=latin1", "utf-8")
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=latin1", res.MIMEType)
	assert.Equal(t, SourceExplicit, res.Source)
	assert.Empty(t, sniffer.calls, "an explicit hint must not trigger sniffing")
}

func TestResolveOrder(t *testing.T) {
	tests := []struct {
		name       string
		types      map[string]FileType
		wantMIME   string
		wantSource Source
		wantCalls  []string
	}{
		{
			name:       "filename pass succeeds",
			types:      map[string]FileType{"a.pdf": PDF},
			wantMIME:   "application/pdf",
			wantSource: SourceFilename,
			wantCalls:  []string{"a.pdf"},
		},
		{
			name:       "content retry succeeds",
			types:      map[string]FileType{"": DOCX},
			wantMIME:   mimeTypes[DOCX],
			wantSource: SourceContent,
			wantCalls:  []string{"a.pdf", ""},
		},
		{
			name:       "fallback",
			types:      map[string]FileType{},
			wantMIME:   OctetStream,
			wantSource: SourceFallback,
			wantCalls:  []string{"a.pdf", ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sniffer := &recordingSniffer{types: tt.types}
			body := bytes.NewReader(pdfBytes)
			res, err := NewResolver(sniffer).Resolve(body, "a.pdf", "", "utf-8")
			require.NoError(t, err)
			assert.Equal(t, tt.wantMIME, res.MIMEType)
			assert.Equal(t, tt.wantSource, res.Source)
			assert.Equal(t, tt.wantCalls, sniffer.calls)

			pos, err := body.Seek(0, io.SeekCurrent)
			require.NoError(t, err)
			assert.Zero(t, pos)
		})
	}
}

func TestResolveContentSniffing(t *testing.T) {
	utf16HTML, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes(
		[]byte("<!DOCTYPE html><html><body><p>hello</p></body></html>"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		body     []byte
		filename string
		encoding string
		want     string
		source   Source
	}{
		{"docx behind extensionless name", docxBytes(t), "report", "utf-8", mimeTypes[DOCX], SourceContent},
		{"docx behind zip extension", docxBytes(t), "bundle.zip", "utf-8", mimeTypes[DOCX], SourceFilename},
		{"pdf magic with unknown extension", pdfBytes, "download.php", "utf-8", "application/pdf", SourceContent},
		{"text content keeps extension", []byte("just some words"), "notes.md", "utf-8", "text/markdown", SourceFilename},
		{"html markup keeps txt extension", []byte("<html><body>hi</body></html>"), "export.txt", "utf-8", mimeTypes[TXT], SourceFilename},
		{"pdf magic overrides txt extension", pdfBytes, "https://cdn.example.com/export.txt", "utf-8", "application/pdf", SourceFilename},
		{"pdf magic overrides html extension", pdfBytes, "page.html", "utf-8", "application/pdf", SourceFilename},
		{"docx archive overrides doc extension", docxBytes(t), "letter.doc", "utf-8", mimeTypes[DOCX], SourceFilename},
		{"bare archive keeps office extension", buildArchive(t, map[string]string{"a.txt": "a"}, "a.txt"), "sheet.xlsx", "utf-8", mimeTypes[XLSX], SourceFilename},
		{"url filename ignores query", pdfBytes, "https://example.com/files/report.pdf?sig=abc.html", "utf-8", "application/pdf", SourceFilename},
		{"utf-16 html decoded from hint", utf16HTML, "page", "utf-16le", "text/html", SourceContent},
		{"unrecognisable bytes", []byte{0x00, 0x13, 0x37, 0x00, 0xde, 0xad, 0xbe, 0xef}, "blob", "utf-8", OctetStream, SourceFallback},
		{"empty body", nil, "empty", "utf-8", OctetStream, SourceFallback},
	}
	r := NewResolver(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(bytes.NewReader(tt.body), tt.filename, "", tt.encoding)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.MIMEType)
			assert.Equal(t, tt.source, res.Source)
		})
	}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		ext, content, want FileType
	}{
		{TXT, PDF, PDF},
		{HTML, PNG, PNG},
		{CSV, TXT, CSV},
		{Markdown, HTML, Markdown},
		{PDF, Unknown, PDF},
		{DOCX, ZIP, DOCX},
		{ZIP, DOCX, DOCX},
		{XLS, DOC, XLS},
		{DOC, DOCX, DOCX},
		{JPEG, JPEG, JPEG},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reconcile(tt.ext, tt.content), "ext=%v content=%v", tt.ext, tt.content)
	}
}

func TestResolveIsIdempotentAndKeepsOffset(t *testing.T) {
	body := bytes.NewReader(docxBytes(t))
	_, err := body.Seek(7, io.SeekStart)
	require.NoError(t, err)

	r := NewResolver(nil)
	first, err := r.Resolve(body, "report", "", "utf-8")
	require.NoError(t, err)
	pos, _ := body.Seek(0, io.SeekCurrent)
	assert.Equal(t, int64(7), pos)

	second, err := r.Resolve(body, "report", "", "utf-8")
	require.NoError(t, err)
	pos, _ = body.Seek(0, io.SeekCurrent)
	assert.Equal(t, int64(7), pos)
	assert.Equal(t, first, second)
}

func TestClassifyArchiveDeclaredMimetype(t *testing.T) {
	epub := buildArchive(t, map[string]string{
		"mimetype":               "application/epub+zip",
		"META-INF/container.xml": "<container/>",
	}, "mimetype", "META-INF/container.xml")
	ft, err := NewContentSniffer(0).Sniff(bytes.NewReader(epub), "book.zip", "")
	require.NoError(t, err)
	assert.Equal(t, EPUB, ft)

	plain := buildArchive(t, map[string]string{"data.csv": "a,b\n1,2\n"}, "data.csv")
	ft, err = NewContentSniffer(0).Sniff(bytes.NewReader(plain), "archive.zip", "")
	require.NoError(t, err)
	assert.Equal(t, ZIP, ft)
}

func TestFromMIMEAndExtension(t *testing.T) {
	assert.Equal(t, HTML, FromMIME("text/html; charset=ISO-8859-1"))
	assert.Equal(t, XML, FromMIME("application/xml"))
	assert.Equal(t, Unknown, FromMIME(OctetStream))
	assert.Equal(t, Unknown, FromMIME("not a type"))
	assert.Equal(t, DOCX, FromExtension(".DOCX"))
	assert.Equal(t, PDF, FromExtension("pdf"))
	assert.Equal(t, Unknown, FromExtension(""))
	assert.Equal(t, OctetStream, Unknown.MIMEType())
	assert.Equal(t, "JPG", JPEG.String())
}

func TestIsGeneric(t *testing.T) {
	assert.True(t, IsGeneric(""))
	assert.True(t, IsGeneric("application/octet-stream"))
	assert.True(t, IsGeneric("binary/octet-stream; charset=binary"))
	assert.False(t, IsGeneric("application/pdf"))
	assert.False(t, IsGeneric("text/html; charset=utf-8"))
}
