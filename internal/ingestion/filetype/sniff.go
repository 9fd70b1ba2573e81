package filetype

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/encoding/htmlindex"
)

// Sniffer classifies a document. An empty filename requests content-only
// detection. Sniffers may move the body's read offset; callers restore it.
type Sniffer interface {
	Sniff(body io.ReadSeeker, filename, encoding string) (FileType, error)
}

// defaultSniffLimit matches the amount of leading bytes mimetype inspects.
const defaultSniffLimit = 3072

// ContentSniffer is the default Sniffer. With a filename, the extension and
// the leading bytes are weighed together: a specific binary format found in
// the content overrides a disagreeing extension, while text or generic
// content leaves the extension in charge. An unrecognised or missing
// extension yields Unknown. Without a filename, the leading bytes decide.
type ContentSniffer struct {
	limit int
}

// NewContentSniffer creates a sniffer inspecting the first limit bytes of a
// body. A non-positive limit selects the default.
func NewContentSniffer(limit int) *ContentSniffer {
	if limit <= 0 {
		limit = defaultSniffLimit
	}
	return &ContentSniffer{limit: limit}
}

func (s *ContentSniffer) Sniff(body io.ReadSeeker, filename, encoding string) (FileType, error) {
	if filename == "" {
		return s.sniffContent(body, encoding)
	}
	ext := FromExtension(extensionOf(filename))
	if ext == Unknown {
		return Unknown, nil
	}
	content, err := s.sniffContent(body, encoding)
	if err != nil {
		return Unknown, err
	}
	return reconcile(ext, content), nil
}

func reconcile(ext, content FileType) FileType {
	switch {
	case content == ext || !isBinary(content):
		return ext
	case content == ZIP && isZipBased(ext):
		// A bare archive is less specific than an office extension.
		return ext
	case isOLE(content) && isOLE(ext):
		return ext
	}
	return content
}

// isBinary reports whether ft has magic numbers reliable enough to overrule
// a filename.
func isBinary(ft FileType) bool {
	switch ft {
	case PDF, DOC, DOCX, XLS, XLSX, PPT, PPTX, ODT, EPUB, RTF, MSG,
		PNG, JPEG, TIFF, BMP, HEIC, ZIP, GZIP:
		return true
	}
	return false
}

func isZipBased(ft FileType) bool {
	switch ft {
	case ZIP, DOCX, XLSX, PPTX, ODT, EPUB:
		return true
	}
	return false
}

// isOLE covers the compound-file formats, which content sniffing cannot
// always tell apart.
func isOLE(ft FileType) bool {
	switch ft {
	case DOC, XLS, PPT, MSG:
		return true
	}
	return false
}

func (s *ContentSniffer) sniffContent(body io.ReadSeeker, encoding string) (FileType, error) {
	head, err := s.readHead(body)
	if err != nil || len(head) == 0 {
		return Unknown, err
	}

	ft := detect(head)
	// Text in a legacy or UTF-16 charset can look binary or plain until it
	// is decoded.
	if ft == Unknown || ft == TXT {
		if decoded := decodeText(head, encoding); decoded != nil {
			if alt := detect(decoded); alt != Unknown {
				ft = alt
			}
		}
	}
	if ft != ZIP {
		return ft, nil
	}
	refined, err := inspectArchive(body)
	if err != nil {
		return Unknown, err
	}
	if refined != Unknown {
		return refined, nil
	}
	return ft, nil
}

func (s *ContentSniffer) readHead(body io.ReadSeeker) ([]byte, error) {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding body: %w", err)
	}
	head := make([]byte, s.limit)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return head[:n], nil
}

// detect walks mimetype's classification from most to least specific and
// returns the first one that maps to a known FileType.
func detect(head []byte) FileType {
	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		if ft := FromMIME(m.String()); ft != Unknown {
			return ft
		}
	}
	return Unknown
}

func decodeText(head []byte, encoding string) []byte {
	name := strings.ToLower(strings.TrimSpace(encoding))
	if name == "" || name == "utf-8" || name == "utf8" {
		return nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil
	}
	decoded, err := enc.NewDecoder().Bytes(head)
	if err != nil {
		return nil
	}
	return decoded
}

// inspectArchive opens body as a ZIP archive and recognises the office and
// e-book formats that use ZIP as their container. Bodies that are not
// readable archives yield Unknown.
func inspectArchive(body io.ReadSeeker) (FileType, error) {
	ra, ok := body.(io.ReaderAt)
	if !ok {
		return Unknown, nil
	}
	size, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return Unknown, fmt.Errorf("sizing body: %w", err)
	}
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return Unknown, nil
	}
	return classifyArchive(zr), nil
}

func classifyArchive(zr *zip.Reader) FileType {
	for _, f := range zr.File {
		switch {
		case f.Name == "mimetype":
			if ft := declaredArchiveType(f); ft != Unknown {
				return ft
			}
		case strings.HasPrefix(f.Name, "word/"):
			return DOCX
		case strings.HasPrefix(f.Name, "xl/"):
			return XLSX
		case strings.HasPrefix(f.Name, "ppt/"):
			return PPTX
		}
	}
	return ZIP
}

// declaredArchiveType reads the "mimetype" member that EPUB and OpenDocument
// archives store first.
func declaredArchiveType(f *zip.File) FileType {
	rc, err := f.Open()
	if err != nil {
		return Unknown
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 128))
	if err != nil {
		return Unknown
	}
	switch ft := FromMIME(strings.TrimSpace(string(b))); ft {
	case EPUB, ODT:
		return ft
	}
	return Unknown
}

// extensionOf returns the extension of a filename, looking only at the path
// when the filename is a URL so query strings do not leak into it.
func extensionOf(filename string) string {
	if u, err := url.Parse(filename); err == nil && u.Scheme != "" && u.Host != "" {
		filename = u.Path
	}
	return path.Ext(filename)
}
