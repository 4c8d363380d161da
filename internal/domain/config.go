package domain

import (
	"fmt"
	"slices"
	"strings"
)

// OutputFormat is a document format the service can produce.
type OutputFormat string

const (
	FormatDOCX OutputFormat = "docx"
	FormatPDF  OutputFormat = "pdf"
	FormatEPUB OutputFormat = "epub"
)

// OCRLanguage selects the OCR language model used for scanned documents.
type OCRLanguage string

const (
	OCRItalian        OCRLanguage = "ita"
	OCREnglish        OCRLanguage = "eng"
	OCRItalianEnglish OCRLanguage = "ita+eng"
)

// ParseOutputFormat converts a user-supplied string into an OutputFormat.
func ParseOutputFormat(s string) (OutputFormat, error) {
	f := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatDOCX, FormatPDF, FormatEPUB:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown output format %q", ErrInvalidConfiguration, s)
}

// ProcessingConfiguration is the set of conversion parameters applied to one batch.
// Callers build a new value per batch; the orchestrator keeps its own copy.
type ProcessingConfiguration struct {
	Profile         Profile
	OutputFormats   []OutputFormat
	OutputDirectory string
	OCRLanguage     OCRLanguage
	EnableDeskew    bool
	EnableDenoise   bool
}

// Validate checks that the configuration can be sent to the service.
// An empty OCR language is normalised to ita+eng and duplicate formats are dropped.
func (c *ProcessingConfiguration) Validate() error {
	if len(c.OutputFormats) == 0 {
		return fmt.Errorf("%w: at least one output format is required", ErrInvalidConfiguration)
	}
	seen := make(map[OutputFormat]bool, len(c.OutputFormats))
	formats := make([]OutputFormat, 0, len(c.OutputFormats))
	for _, f := range c.OutputFormats {
		if _, err := ParseOutputFormat(string(f)); err != nil {
			return err
		}
		if !seen[f] {
			seen[f] = true
			formats = append(formats, f)
		}
	}
	c.OutputFormats = formats

	if strings.TrimSpace(c.OutputDirectory) == "" {
		return fmt.Errorf("%w: output directory is required", ErrInvalidConfiguration)
	}

	switch c.OCRLanguage {
	case "":
		c.OCRLanguage = OCRItalianEnglish
	case OCRItalian, OCREnglish, OCRItalianEnglish:
	default:
		return fmt.Errorf("%w: unknown OCR language %q", ErrInvalidConfiguration, c.OCRLanguage)
	}

	if c.Profile.ID == "" {
		return fmt.Errorf("%w: profile is required", ErrInvalidConfiguration)
	}
	return nil
}

// Clone returns a deep copy.
func (c ProcessingConfiguration) Clone() ProcessingConfiguration {
	c.OutputFormats = slices.Clone(c.OutputFormats)
	return c
}

// ProcessingOptions is the wire form of ProcessingConfiguration.
type ProcessingOptions struct {
	DSAProfile      Profile        `json:"dsa_profile"`
	OutputFormats   []OutputFormat `json:"output_formats"`
	OutputDirectory string         `json:"output_directory"`
	OCRLanguage     OCRLanguage    `json:"ocr_language"`
	EnableDeskew    bool           `json:"enable_deskew"`
	EnableDenoise   bool           `json:"enable_denoise"`
}

// Options converts the configuration to its wire form.
func (c ProcessingConfiguration) Options() ProcessingOptions {
	return ProcessingOptions{
		DSAProfile:      c.Profile,
		OutputFormats:   slices.Clone(c.OutputFormats),
		OutputDirectory: c.OutputDirectory,
		OCRLanguage:     c.OCRLanguage,
		EnableDeskew:    c.EnableDeskew,
		EnableDenoise:   c.EnableDenoise,
	}
}
