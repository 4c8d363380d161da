// Package capture brings user-selected files into the orchestrator.
//
// It has two halves. Privileged owns filesystem and dialog access and hands
// files over as Payload values whose bytes are base64 text. Adapter runs on
// the orchestration side, has no filesystem access of its own, and rebuilds
// domain.SourceFile values from those payloads.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cwygoda/dsaconvert/internal/codec"
	"github.com/cwygoda/dsaconvert/internal/domain"
	"github.com/rs/zerolog"
)

// Payload is a file as it crosses the capture boundary.
type Payload struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	MimeType string `json:"type"`
	Data     string `json:"data"`
}

// Capability is what the privileged side exposes to the orchestrator.
type Capability interface {
	SelectFiles(ctx context.Context) ([]Payload, error)
	// SelectOutputDirectory returns ok=false when the user cancelled.
	SelectOutputDirectory(ctx context.Context) (dir string, ok bool, err error)
}

// Dialog is the native picker. An empty selection means the user cancelled.
type Dialog interface {
	PickFiles(ctx context.Context) ([]string, error)
	PickDirectory(ctx context.Context) (string, error)
}

// StaticDialog answers every pick with a fixed selection, for CLI arguments
// and API requests that already name their files.
type StaticDialog struct {
	Files     []string
	Directory string
}

func (d StaticDialog) PickFiles(ctx context.Context) ([]string, error) { return d.Files, nil }
func (d StaticDialog) PickDirectory(ctx context.Context) (string, error) { return d.Directory, nil }

var errTooLarge = errors.New("file exceeds maximum capture size")

// Privileged reads selected files from disk and encodes them for transfer.
type Privileged struct {
	dialog  Dialog
	maxSize int64
	log     *zerolog.Logger
}

// NewPrivileged creates the privileged capture side. maxSize <= 0 disables the size check.
func NewPrivileged(dialog Dialog, maxSize int64, log *zerolog.Logger) *Privileged {
	return &Privileged{dialog: dialog, maxSize: maxSize, log: log}
}

// SelectFiles asks the dialog for files and reads each one. A file that
// cannot be read is left out and reported in the returned error; the other
// files are still returned. An empty selection is reported as
// domain.ErrCaptureCancelled.
func (p *Privileged) SelectFiles(ctx context.Context) ([]Payload, error) {
	paths, err := p.dialog.PickFiles(ctx)
	if err != nil {
		return nil, &domain.CaptureError{Err: err}
	}
	if len(paths) == 0 {
		return nil, &domain.CaptureError{Err: domain.ErrCaptureCancelled}
	}

	var (
		payloads []Payload
		errs     []error
	)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, &domain.CaptureError{Path: path, Err: err})
			break
		}
		pl, err := p.read(path)
		if err != nil {
			p.log.Warn().Err(err).Str("path", path).Msg("skipping file")
			errs = append(errs, err)
			continue
		}
		payloads = append(payloads, pl)
	}
	return payloads, errors.Join(errs...)
}

func (p *Privileged) read(path string) (Payload, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Payload{}, &domain.CaptureError{Path: path, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Payload{}, &domain.CaptureError{Path: abs, Err: err}
	}
	if info.IsDir() {
		return Payload{}, &domain.CaptureError{Path: abs, Err: errors.New("is a directory")}
	}
	if p.maxSize > 0 && info.Size() > p.maxSize {
		return Payload{}, &domain.CaptureError{Path: abs, Err: fmt.Errorf("%w (%d > %d bytes)", errTooLarge, info.Size(), p.maxSize)}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return Payload{}, &domain.CaptureError{Path: abs, Err: err}
	}

	return Payload{
		Path:     abs,
		Name:     filepath.Base(abs),
		MimeType: http.DetectContentType(data),
		Data:     codec.Encode(data),
	}, nil
}

// SelectOutputDirectory asks the dialog for a directory and checks it exists.
func (p *Privileged) SelectOutputDirectory(ctx context.Context) (string, bool, error) {
	dir, err := p.dialog.PickDirectory(ctx)
	if err != nil {
		return "", false, &domain.CaptureError{Err: err}
	}
	if dir == "" {
		return "", false, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", false, &domain.CaptureError{Path: dir, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", false, &domain.CaptureError{Path: abs, Err: err}
	}
	if !info.IsDir() {
		return "", false, &domain.CaptureError{Path: abs, Err: errors.New("not a directory")}
	}
	return abs, true, nil
}
