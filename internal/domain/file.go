package domain

// SourceFile is a file reconstructed on the orchestration side of the
// capture boundary. The original filesystem path is kept out of the
// serialisable fields and is only reachable through Path.
type SourceFile struct {
	Name      string
	MimeType  string
	Data      []byte
	PageCount int

	path string
}

// NewSourceFile builds a SourceFile. path may be empty when the file has no
// filesystem provenance (for example an upload).
func NewSourceFile(name, path, mimeType string, data []byte) SourceFile {
	return SourceFile{Name: name, MimeType: mimeType, Data: data, path: path}
}

// Path returns the original filesystem path, or the file name when the file
// was captured without one.
func (f SourceFile) Path() string {
	if f.path == "" {
		return f.Name
	}
	return f.path
}

// HasProvenance reports whether Path is a real filesystem path.
func (f SourceFile) HasProvenance() bool {
	return f.path != ""
}

// Size returns the payload length in bytes.
func (f SourceFile) Size() int {
	return len(f.Data)
}
