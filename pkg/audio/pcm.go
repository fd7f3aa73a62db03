// Package audio provides the raw-PCM primitives shared by the streaming and
// recording pipelines: sample/byte conversion, energy measurement, the WAV
// container wrapper, and the rolling window buffer that feeds transcription.
//
// All audio in minute is 16 kHz mono signed 16-bit little-endian PCM. The
// constants below are the single source of truth for that format; components
// that need a different rate must convert at their own boundary.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// SampleRate is the fixed sample rate for all PCM in the system.
	SampleRate = 16000

	// BytesPerSample is the width of one signed 16-bit sample.
	BytesPerSample = 2

	// BytesPerSecond is the PCM byte rate at SampleRate.
	BytesPerSecond = SampleRate * BytesPerSample
)

// BytesToSamples converts little-endian PCM16 bytes into int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return samples
}

// SamplesToBytes converts int16 samples into little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(s))
	}
	return data
}

// SamplesToFloat32 converts int16 samples to normalized float32 in [-1, 1).
// Used by the ONNX-backed VAD models, which take float input.
func SamplesToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// RMS returns the root-mean-square energy of the samples normalized to [0, 1].
// Returns 0 for an empty slice.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DurationMS returns the playback duration in milliseconds of PCM16 bytes at
// the system sample rate.
func DurationMS(data []byte) float64 {
	return float64(len(data)) / BytesPerSecond * 1000
}

// wavHeaderSize is the fixed size of the canonical single-fmt, single-data
// RIFF header this package writes.
const wavHeaderSize = 44

// PCMToWAV wraps raw PCM16 bytes in a mono 16-bit WAV container at the given
// sample rate. The output has one "fmt " chunk and one "data" chunk.
func PCMToWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * BytesPerSample)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))             // fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))              // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1))              // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))     // sample rate
	binary.Write(&buf, binary.LittleEndian, byteRate)               // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(BytesPerSample)) // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))             // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)

	return buf.Bytes()
}

// WAVToPCM extracts the sample bytes from a WAV container produced by
// [PCMToWAV] or any single-data-chunk mono PCM16 WAV. It walks the RIFF
// chunks so files with extra chunks (LIST, fact) are handled too.
func WAVToPCM(wav []byte) ([]byte, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, fmt.Errorf("audio: not a RIFF/WAVE container")
	}
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if body+size > len(wav) {
			size = len(wav) - body
		}
		if id == "data" {
			return wav[body : body+size], nil
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}
	return nil, fmt.Errorf("audio: no data chunk found")
}

// IsWAV reports whether data begins with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
