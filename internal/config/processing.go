package config

import (
	"fmt"

	"github.com/cwygoda/dsaconvert/internal/domain"
)

// Configuration resolves the processing defaults into a batch configuration.
// The profile is looked up in profiles first, then in the built-in catalogue.
func (p ProcessingConfig) Configuration(profiles []domain.Profile) (domain.ProcessingConfiguration, error) {
	cfg := domain.ProcessingConfiguration{
		OutputDirectory: p.OutputDirectory,
		OCRLanguage:     domain.OCRLanguage(p.OCRLanguage),
		EnableDeskew:    p.EnableDeskew,
		EnableDenoise:   p.EnableDenoise,
	}
	for _, f := range p.OutputFormats {
		format, err := domain.ParseOutputFormat(f)
		if err != nil {
			return cfg, err
		}
		cfg.OutputFormats = append(cfg.OutputFormats, format)
	}

	profile, ok := domain.FindProfile(profiles, p.Profile)
	if !ok {
		profile, ok = domain.FindProfile(domain.BuiltinProfiles, p.Profile)
	}
	if !ok {
		return cfg, fmt.Errorf("%w: unknown profile %q", domain.ErrInvalidConfiguration, p.Profile)
	}
	cfg.Profile = profile

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
