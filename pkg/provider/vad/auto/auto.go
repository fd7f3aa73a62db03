// Package auto selects a VAD backend at startup, trying each in order of
// preference and falling back on load failure. The energy gate always loads,
// so selection cannot fail.
package auto

import (
	"log/slog"

	"github.com/minutehq/minute/pkg/provider/vad"
	"github.com/minutehq/minute/pkg/provider/vad/energy"
	"github.com/minutehq/minute/pkg/provider/vad/silero"
	"github.com/minutehq/minute/pkg/provider/vad/tenvad"
)

// Config names the model files for the two model-based backends. An empty
// path skips that backend.
type Config struct {
	TenVADModelPath string
	SileroModelPath string

	// Threshold applies to the model backends; the energy gate uses its own.
	Threshold float32
}

// New returns the best available detector: TEN-VAD, then Silero, then the
// energy gate. Load failures are logged and skipped, never fatal.
func New(cfg Config, log *slog.Logger) vad.Detector {
	if log == nil {
		log = slog.Default()
	}

	if cfg.TenVADModelPath != "" {
		d, err := tenvad.New(vad.Config{ModelPath: cfg.TenVADModelPath, Threshold: cfg.Threshold})
		if err == nil {
			log.Info("vad backend selected", "backend", d.Name(), "model", cfg.TenVADModelPath)
			return d
		}
		log.Warn("ten-vad unavailable, falling back", "error", err)
	}

	if cfg.SileroModelPath != "" {
		d, err := silero.New(vad.Config{ModelPath: cfg.SileroModelPath, Threshold: cfg.Threshold})
		if err == nil {
			log.Info("vad backend selected", "backend", d.Name(), "model", cfg.SileroModelPath)
			return d
		}
		log.Warn("silero unavailable, falling back", "error", err)
	}

	d := energy.New(vad.Config{})
	log.Info("vad backend selected", "backend", d.Name())
	return d
}
