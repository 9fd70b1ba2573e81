package filetype

import (
	"fmt"
	"io"
)

// Source names the layer that produced a resolved type.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceFilename Source = "filename"
	SourceContent  Source = "content"
	SourceFallback Source = "fallback"
	// SourceDeclared marks a type taken from the origin server's
	// Content-Type header rather than from this package.
	SourceDeclared Source = "declared"
)

// Resolution is the outcome of type resolution.
type Resolution struct {
	MIMEType string
	Type     FileType
	Source   Source
}

// Resolver applies the layered resolution order on top of a Sniffer.
type Resolver struct {
	sniffer Sniffer
}

// NewResolver creates a Resolver. A nil sniffer selects ContentSniffer.
func NewResolver(sniffer Sniffer) *Resolver {
	if sniffer == nil {
		sniffer = NewContentSniffer(0)
	}
	return &Resolver{sniffer: sniffer}
}

// Resolve returns the effective MIME type for body. A non-empty hint is
// returned unchanged without reading the body. Otherwise the body is sniffed
// with its filename, then without it, and application/octet-stream is used
// when both passes come back Unknown. The body's read offset is the same
// after the call as before it.
func (r *Resolver) Resolve(body io.ReadSeeker, filename, hint, encoding string) (res Resolution, err error) {
	if hint != "" {
		return Resolution{MIMEType: hint, Type: FromMIME(hint), Source: SourceExplicit}, nil
	}

	pos, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return Resolution{}, fmt.Errorf("recording body offset: %w", err)
	}
	defer func() {
		if _, serr := body.Seek(pos, io.SeekStart); serr != nil && err == nil {
			err = fmt.Errorf("restoring body offset: %w", serr)
		}
	}()

	if filename != "" {
		ft, err := r.sniffer.Sniff(body, filename, encoding)
		if err != nil {
			return Resolution{}, fmt.Errorf("sniffing %q: %w", filename, err)
		}
		if ft != Unknown {
			return Resolution{MIMEType: ft.MIMEType(), Type: ft, Source: SourceFilename}, nil
		}
	}

	ft, err := r.sniffer.Sniff(body, "", encoding)
	if err != nil {
		return Resolution{}, fmt.Errorf("sniffing content: %w", err)
	}
	if ft != Unknown {
		return Resolution{MIMEType: ft.MIMEType(), Type: ft, Source: SourceContent}, nil
	}
	return Resolution{MIMEType: OctetStream, Type: Unknown, Source: SourceFallback}, nil
}
