// Package filetype resolves the MIME type of fetched documents. Resolution is
// layered: an explicit caller hint wins, then the filename and content are
// sniffed together, then the content alone, and finally the generic binary
// type is used.
package filetype

import (
	"mime"
	"strings"
)

// FileType is a document format the partitioning engine understands.
type FileType int

const (
	Unknown FileType = iota
	PDF
	DOC
	DOCX
	XLS
	XLSX
	PPT
	PPTX
	ODT
	EPUB
	RTF
	HTML
	XML
	JSON
	CSV
	TSV
	TXT
	Markdown
	RST
	ORG
	EML
	MSG
	PNG
	JPEG
	TIFF
	BMP
	HEIC
	ZIP
	GZIP
)

// OctetStream is the MIME type used when nothing more specific is known.
const OctetStream = "application/octet-stream"

var mimeTypes = map[FileType]string{
	Unknown:  OctetStream,
	PDF:      "application/pdf",
	DOC:      "application/msword",
	DOCX:     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	XLS:      "application/vnd.ms-excel",
	XLSX:     "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	PPT:      "application/vnd.ms-powerpoint",
	PPTX:     "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	ODT:      "application/vnd.oasis.opendocument.text",
	EPUB:     "application/epub+zip",
	RTF:      "text/rtf",
	HTML:     "text/html",
	XML:      "text/xml",
	JSON:     "application/json",
	CSV:      "text/csv",
	TSV:      "text/tab-separated-values",
	TXT:      "text/plain",
	Markdown: "text/markdown",
	RST:      "text/x-rst",
	ORG:      "text/org",
	EML:      "message/rfc822",
	MSG:      "application/vnd.ms-outlook",
	PNG:      "image/png",
	JPEG:     "image/jpeg",
	TIFF:     "image/tiff",
	BMP:      "image/bmp",
	HEIC:     "image/heic",
	ZIP:      "application/zip",
	GZIP:     "application/gzip",
}

var names = map[FileType]string{
	Unknown:  "UNKNOWN",
	PDF:      "PDF",
	DOC:      "DOC",
	DOCX:     "DOCX",
	XLS:      "XLS",
	XLSX:     "XLSX",
	PPT:      "PPT",
	PPTX:     "PPTX",
	ODT:      "ODT",
	EPUB:     "EPUB",
	RTF:      "RTF",
	HTML:     "HTML",
	XML:      "XML",
	JSON:     "JSON",
	CSV:      "CSV",
	TSV:      "TSV",
	TXT:      "TXT",
	Markdown: "MD",
	RST:      "RST",
	ORG:      "ORG",
	EML:      "EML",
	MSG:      "MSG",
	PNG:      "PNG",
	JPEG:     "JPG",
	TIFF:     "TIFF",
	BMP:      "BMP",
	HEIC:     "HEIC",
	ZIP:      "ZIP",
	GZIP:     "GZIP",
}

var extensions = map[string]FileType{
	".pdf":      PDF,
	".doc":      DOC,
	".docx":     DOCX,
	".xls":      XLS,
	".xlsx":     XLSX,
	".ppt":      PPT,
	".pptx":     PPTX,
	".odt":      ODT,
	".epub":     EPUB,
	".rtf":      RTF,
	".html":     HTML,
	".htm":      HTML,
	".xml":      XML,
	".json":     JSON,
	".csv":      CSV,
	".tsv":      TSV,
	".txt":      TXT,
	".text":     TXT,
	".log":      TXT,
	".md":       Markdown,
	".markdown": Markdown,
	".rst":      RST,
	".org":      ORG,
	".eml":      EML,
	".msg":      MSG,
	".png":      PNG,
	".jpg":      JPEG,
	".jpeg":     JPEG,
	".tif":      TIFF,
	".tiff":     TIFF,
	".bmp":      BMP,
	".heic":     HEIC,
	".zip":      ZIP,
	".gz":       GZIP,
	".tgz":      GZIP,
}

// aliases maps MIME types seen in the wild onto the canonical ones.
var aliases = map[string]FileType{
	"application/xhtml+xml":        HTML,
	"application/xml":              XML,
	"application/rtf":              RTF,
	"application/x-gzip":           GZIP,
	"application/x-zip-compressed": ZIP,
	"application/epub":             EPUB,
	"image/jpg":                    JPEG,
	"image/x-ms-bmp":               BMP,
	"image/heif":                   HEIC,
	"text/x-markdown":              Markdown,
	"text/x-org":                   ORG,
	"text/rst":                     RST,
}

var byMIME = func() map[string]FileType {
	m := make(map[string]FileType, len(mimeTypes)+len(aliases))
	for ft, t := range mimeTypes {
		if ft != Unknown {
			m[t] = ft
		}
	}
	for t, ft := range aliases {
		m[t] = ft
	}
	return m
}()

// MIMEType returns the canonical MIME type for ft.
func (ft FileType) MIMEType() string {
	if t, ok := mimeTypes[ft]; ok {
		return t
	}
	return OctetStream
}

func (ft FileType) String() string {
	if n, ok := names[ft]; ok {
		return n
	}
	return names[Unknown]
}

// FromExtension maps a file extension, with or without its leading dot, to a
// FileType. Matching is case-insensitive.
func FromExtension(ext string) FileType {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return extensions[ext]
}

// FromMIME maps a media type, parameters ignored, to a FileType.
func FromMIME(contentType string) FileType {
	mt := strings.TrimSpace(contentType)
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	} else if base, _, ok := strings.Cut(mt, ";"); ok {
		mt = strings.ToLower(strings.TrimSpace(base))
	}
	return byMIME[strings.ToLower(mt)]
}

// IsGeneric reports whether contentType carries no real type information.
func IsGeneric(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	switch mt {
	case OctetStream, "binary/octet-stream", "application/unknown", "application/x-download", "application/force-download":
		return true
	}
	return false
}
