package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays defaults and
// environment variables, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays defaults and
// environment variables, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the well-known environment variables onto cfg.
// Environment always wins over file values, matching container deployments
// where secrets arrive through the environment.
func ApplyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString(&cfg.Transcription.APIKey, "GROQ_API_KEY")
	setString(&cfg.Diarization.DeepgramAPIKey, "DEEPGRAM_API_KEY")
	setString(&cfg.Diarization.AssemblyAIAPIKey, "ASSEMBLYAI_API_KEY")
	setString(&cfg.Store.PostgresDSN, "POSTGRES_DSN")
	setString(&cfg.Storage.Path, "RECORDINGS_STORAGE_PATH")
	setString(&cfg.Recording.PathPrefix, "AUDIO_CHUNK_PREFIX")
	setBool(&cfg.Recording.Enabled, "ENABLE_AUDIO_RECORDING")
	setBool(&cfg.Diarization.Enabled, "ENABLE_DIARIZATION")
	setBool(&cfg.Diarization.DeleteLocalAfterUpload, "DELETE_LOCAL_AFTER_UPLOAD")

	if v, ok := os.LookupEnv("STORAGE_TYPE"); ok {
		cfg.Storage.Type = StorageType(v)
	}
	if v, ok := os.LookupEnv("DIARIZATION_PROVIDER"); ok {
		cfg.Diarization.Provider = DiarizationProvider(v)
	}
}

// applyDefaults fills zero values that YAML may have explicitly nulled out.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = def.Server.ListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Audio.WindowSeconds <= 0 {
		cfg.Audio.WindowSeconds = def.Audio.WindowSeconds
	}
	if cfg.Audio.SlideSeconds <= 0 {
		cfg.Audio.SlideSeconds = def.Audio.SlideSeconds
	}
	if cfg.VAD.Backend == "" {
		cfg.VAD.Backend = def.VAD.Backend
	}
	if cfg.Transcription.SilenceThresholdMS <= 0 {
		cfg.Transcription.SilenceThresholdMS = def.Transcription.SilenceThresholdMS
	}
	if cfg.Transcription.MinCallIntervalMS <= 0 {
		cfg.Transcription.MinCallIntervalMS = def.Transcription.MinCallIntervalMS
	}
	if cfg.Transcription.MaxInFlight <= 0 {
		cfg.Transcription.MaxInFlight = def.Transcription.MaxInFlight
	}
	if cfg.Transcription.ForceFinalizeTimeoutMS <= 0 {
		cfg.Transcription.ForceFinalizeTimeoutMS = def.Transcription.ForceFinalizeTimeoutMS
	}
	if cfg.Recording.ChunkSeconds <= 0 {
		cfg.Recording.ChunkSeconds = def.Recording.ChunkSeconds
	}
	if cfg.Recording.PathPrefix == "" {
		cfg.Recording.PathPrefix = def.Recording.PathPrefix
	}
	if cfg.Diarization.Provider == "" {
		cfg.Diarization.Provider = def.Diarization.Provider
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = def.Storage.Type
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = def.Storage.Path
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Audio.SlideSeconds > cfg.Audio.WindowSeconds {
		errs = append(errs, fmt.Errorf("audio.slide_seconds (%d) must not exceed audio.window_seconds (%d)",
			cfg.Audio.SlideSeconds, cfg.Audio.WindowSeconds))
	}

	if !cfg.VAD.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("vad.backend %q is invalid; valid values: auto, tenvad, silero, energy", cfg.VAD.Backend))
	}
	if cfg.VAD.Backend == VADTenVAD && cfg.VAD.TenVADModelPath == "" {
		errs = append(errs, errors.New("vad.tenvad_model_path is required when vad.backend is tenvad"))
	}
	if cfg.VAD.Backend == VADSilero && cfg.VAD.SileroModelPath == "" {
		errs = append(errs, errors.New("vad.silero_model_path is required when vad.backend is silero"))
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", cfg.VAD.Threshold))
	}

	if !cfg.Storage.Type.IsValid() {
		errs = append(errs, fmt.Errorf("storage.type %q is invalid; valid values: local, gcs", cfg.Storage.Type))
	}
	if cfg.Storage.Type == StorageGCS && cfg.Storage.GCSBucket == "" {
		errs = append(errs, errors.New("storage.gcs_bucket is required when storage.type is gcs"))
	}

	if !cfg.Diarization.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("diarization.provider %q is invalid; valid values: deepgram, assemblyai", cfg.Diarization.Provider))
	}

	if cfg.Transcription.MaxInFlight > 8 {
		errs = append(errs, fmt.Errorf("transcription.max_in_flight %d is unreasonably high; the backend rate limits long before that", cfg.Transcription.MaxInFlight))
	}

	return errors.Join(errs...)
}
