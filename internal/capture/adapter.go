package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cwygoda/dsaconvert/internal/codec"
	"github.com/cwygoda/dsaconvert/internal/domain"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"
)

const pdfMimeType = "application/pdf"

// ErrNotPDF is returned for payloads that are not PDF documents.
var ErrNotPDF = errors.New("not a PDF document")

// Adapter rebuilds files handed over by a Capability.
type Adapter struct {
	cap Capability
	log *zerolog.Logger
}

// NewAdapter creates the orchestration-side capture adapter.
func NewAdapter(cap Capability, log *zerolog.Logger) *Adapter {
	return &Adapter{cap: cap, log: log}
}

// Capture selects files through the capability and reconstructs them.
// A failed selection yields no files and a CaptureError. A payload that fails
// to decode or is not a PDF is dropped on its own; the returned error joins
// every per-file failure.
func (a *Adapter) Capture(ctx context.Context) ([]domain.SourceFile, error) {
	payloads, selErr := a.cap.SelectFiles(ctx)

	files := make([]domain.SourceFile, 0, len(payloads))
	errs := []error{selErr}
	for _, pl := range payloads {
		f, err := Reconstruct(pl)
		if err != nil {
			a.log.Warn().Err(err).Str("name", pl.Name).Msg("dropping captured file")
			errs = append(errs, err)
			continue
		}
		a.log.Debug().
			Str("name", f.Name).
			Int("bytes", f.Size()).
			Int("pages", f.PageCount).
			Msg("file captured")
		files = append(files, f)
	}
	return files, errors.Join(errs...)
}

// OutputDirectory asks the capability for an output directory.
func (a *Adapter) OutputDirectory(ctx context.Context) (string, bool, error) {
	return a.cap.SelectOutputDirectory(ctx)
}

// Reconstruct decodes a payload into a SourceFile that remembers its path.
func Reconstruct(pl Payload) (domain.SourceFile, error) {
	data, err := codec.Decode(pl.Data)
	if err != nil {
		return domain.SourceFile{}, fmt.Errorf("%s: %w", pl.Name, err)
	}
	return build(pl.Name, pl.Path, pl.MimeType, data)
}

// FromUpload wraps bytes received without filesystem provenance.
func FromUpload(name, mimeType string, data []byte) (domain.SourceFile, error) {
	return build(name, "", mimeType, data)
}

func build(name, path, mimeType string, data []byte) (domain.SourceFile, error) {
	if !isPDF(mimeType, data) {
		return domain.SourceFile{}, &domain.CaptureError{Path: pathOr(path, name), Err: ErrNotPDF}
	}
	f := domain.NewSourceFile(name, path, pdfMimeType, data)
	f.PageCount = pageCount(data)
	return f, nil
}

func pathOr(path, name string) string {
	if path == "" {
		return name
	}
	return path
}

func isPDF(mimeType string, data []byte) bool {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return true
	}
	// An empty file announced as PDF is accepted; the service decides.
	return len(data) == 0 && strings.EqualFold(mimeType, pdfMimeType)
}

// pageCount returns the document's page count, or 0 when the structure
// cannot be read.
func pageCount(data []byte) (n int) {
	if len(data) == 0 {
		return 0
	}
	defer func() {
		// the pdf reader panics on some malformed cross-reference tables
		if recover() != nil {
			n = 0
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0
	}
	return r.NumPage()
}
