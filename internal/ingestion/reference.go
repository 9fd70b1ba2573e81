package ingestion

import "maps"

// Resolve converts a reference entry into its canonical form. Bare URLs get
// no content type or headers; the filename defaults to the URL.
func Resolve(entry ReferenceEntry) DocumentReference {
	if !entry.Structured() {
		return DocumentReference{
			URL:      entry.bare,
			Filename: entry.bare,
		}
	}
	s := entry.structured
	ref := DocumentReference{
		URL:         s.URL,
		ContentType: s.ContentType,
		Filename:    s.Filename,
	}
	if len(s.Headers) > 0 {
		ref.Headers = maps.Clone(s.Headers)
	}
	if ref.Filename == "" {
		ref.Filename = ref.URL
	}
	return ref
}

// ResolveAll resolves every entry in order. An entry without a URL is a
// ReferenceError.
func ResolveAll(entries []ReferenceEntry) ([]DocumentReference, error) {
	refs := make([]DocumentReference, len(entries))
	for i, entry := range entries {
		if entry.URL() == "" {
			return nil, &ReferenceError{Index: i, Reason: "url is required"}
		}
		refs[i] = Resolve(entry)
	}
	return refs, nil
}
