// Package config provides the configuration schema, loader, and file watcher
// for the minute transcription server.
package config

import (
	"log/slog"

	"github.com/minutehq/minute/pkg/audio"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog.Level, defaulting to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StorageType selects where finalized recordings are kept.
type StorageType string

const (
	StorageLocal StorageType = "local"
	StorageGCS   StorageType = "gcs"
)

// IsValid reports whether s is a recognised storage type.
func (s StorageType) IsValid() bool {
	return s == StorageLocal || s == StorageGCS
}

// DiarizationProvider selects the cloud diarization backend.
type DiarizationProvider string

const (
	DiarizeDeepgram   DiarizationProvider = "deepgram"
	DiarizeAssemblyAI DiarizationProvider = "assemblyai"
)

// IsValid reports whether d is a recognised provider.
func (d DiarizationProvider) IsValid() bool {
	return d == DiarizeDeepgram || d == DiarizeAssemblyAI
}

// VADBackend selects the voice-activity-detection backend.
type VADBackend string

const (
	VADAuto   VADBackend = "auto"
	VADTenVAD VADBackend = "tenvad"
	VADSilero VADBackend = "silero"
	VADEnergy VADBackend = "energy"
)

// IsValid reports whether v is a recognised VAD backend.
func (v VADBackend) IsValid() bool {
	switch v {
	case VADAuto, VADTenVAD, VADSilero, VADEnergy:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load], then overlaid with environment variables via
// [ApplyEnv].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Recording     RecordingConfig     `yaml:"recording"`
	Diarization   DiarizationConfig   `yaml:"diarization"`
	Storage       StorageConfig       `yaml:"storage"`
	Store         StoreConfig         `yaml:"store"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig sets the rolling transcription window geometry. All audio is
// 16 kHz mono PCM16; these only control window timing.
type AudioConfig struct {
	// WindowSeconds is the rolling window length. Default 6.
	WindowSeconds int `yaml:"window_seconds"`

	// SlideSeconds is how often a window is dispatched. Default 2.
	SlideSeconds int `yaml:"slide_seconds"`
}

// VADConfig selects and tunes the voice-activity detector.
type VADConfig struct {
	// Backend picks the detector; "auto" tries tenvad, silero, energy in
	// order and uses the first that loads.
	Backend VADBackend `yaml:"backend"`

	// TenVADModelPath and SileroModelPath point at the ONNX model files.
	TenVADModelPath string `yaml:"tenvad_model_path"`
	SileroModelPath string `yaml:"silero_model_path"`

	// Threshold is the speech probability cutoff for the model backends.
	Threshold float32 `yaml:"threshold"`
}

// TranscriptionConfig configures the speech-to-text backend and the live
// transcription manager's timing.
type TranscriptionConfig struct {
	// APIKey authenticates against the Groq API. Usually set via GROQ_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the Groq endpoint. Leave empty for the default.
	BaseURL string `yaml:"base_url"`

	// Model selects the Whisper variant.
	Model string `yaml:"model"`

	// Language is an ISO 639-1 recognition hint. Empty auto-detects.
	Language string `yaml:"language"`

	// Translate requests English output regardless of spoken language.
	Translate bool `yaml:"translate"`

	// SilenceThresholdMS of continuous non-speech finalizes the pending
	// segment. Default 1000.
	SilenceThresholdMS int `yaml:"silence_threshold_ms"`

	// MinCallIntervalMS spaces backend calls. Default 3000.
	MinCallIntervalMS int `yaml:"min_call_interval_ms"`

	// MaxInFlight caps concurrent backend calls. Default 2.
	MaxInFlight int `yaml:"max_in_flight"`

	// ForceFinalizeTimeoutMS finalizes a pending segment that stayed
	// unstable too long. Default 6000.
	ForceFinalizeTimeoutMS int `yaml:"force_finalize_timeout_ms"`
}

// RecordingConfig controls chunked audio capture during a meeting.
type RecordingConfig struct {
	// Enabled toggles recording. ENABLE_AUDIO_RECORDING overrides.
	Enabled bool `yaml:"enabled"`

	// ChunkSeconds is the duration of one persisted chunk. Default 30.
	ChunkSeconds int `yaml:"chunk_seconds"`

	// PathPrefix is the sub-prefix chunks live under within a meeting.
	// AUDIO_CHUNK_PREFIX overrides. Default "pcm_chunks".
	PathPrefix string `yaml:"path_prefix"`
}

// DiarizationConfig configures post-meeting speaker diarization.
type DiarizationConfig struct {
	// Enabled toggles the whole feature. ENABLE_DIARIZATION overrides.
	Enabled bool `yaml:"enabled"`

	// Provider selects the backend. DIARIZATION_PROVIDER overrides.
	Provider DiarizationProvider `yaml:"provider"`

	// DeepgramAPIKey / AssemblyAIAPIKey authenticate the providers. Usually
	// set via DEEPGRAM_API_KEY / ASSEMBLYAI_API_KEY.
	DeepgramAPIKey   string `yaml:"deepgram_api_key"`
	AssemblyAIAPIKey string `yaml:"assemblyai_api_key"`

	// DeleteLocalAfterUpload removes local chunk files once the merged
	// recording is uploaded to cloud storage.
	DeleteLocalAfterUpload bool `yaml:"delete_local_after_upload"`
}

// StorageConfig selects the recording storage backend.
type StorageConfig struct {
	// Type is "local" or "gcs". STORAGE_TYPE overrides.
	Type StorageType `yaml:"type"`

	// Path is the local root directory. RECORDINGS_STORAGE_PATH overrides.
	Path string `yaml:"path"`

	// GCSBucket and GCSPrefix configure the gcs backend.
	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

// StoreConfig configures the relational transcript store.
type StoreConfig struct {
	// PostgresDSN is the connection string. Empty selects the in-memory
	// store (dev/test only; transcripts do not survive a restart).
	// POSTGRES_DSN overrides.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns a config with every optional knob at its documented
// default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			WindowSeconds: audio.DefaultWindowSeconds,
			SlideSeconds:  audio.DefaultSlideSeconds,
		},
		VAD: VADConfig{
			Backend: VADAuto,
		},
		Transcription: TranscriptionConfig{
			SilenceThresholdMS:     1000,
			MinCallIntervalMS:      3000,
			MaxInFlight:            2,
			ForceFinalizeTimeoutMS: 6000,
		},
		Recording: RecordingConfig{
			Enabled:      true,
			ChunkSeconds: 30,
			PathPrefix:   "pcm_chunks",
		},
		Diarization: DiarizationConfig{
			Provider: DiarizeDeepgram,
		},
		Storage: StorageConfig{
			Type: StorageLocal,
			Path: "./recordings",
		},
	}
}
