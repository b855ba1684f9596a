package compose

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/storyloom/server/internal/encoder"
)

// The normalizer emits a raw linear-PCM container: a fixed 42-byte header
// followed by 16-bit little-endian samples. The layout is a RIFF/WAVE file
// with the legacy 14-byte WAVEFORMAT fmt chunk (12 + 8 + 14 + 8 = 42), so
// every downstream consumer can decode it without extra codecs. The segment
// processor also recognizes it directly and feeds the backend explicit
// s16le parameters, sidestepping container guessing.
const rawHeaderSize = 42

const defaultPadTarget = 5 * time.Second

// EncodeRaw writes interleaved 16-bit samples into the raw container.
func EncodeRaw(samples []int16, sampleRate, channels int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, rawHeaderSize+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(rawHeaderSize-8+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 14) // legacy WAVEFORMAT, no bits-per-sample field
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	copy(buf[34:38], "data")
	binary.LittleEndian.PutUint32(buf[38:42], uint32(dataLen))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[rawHeaderSize+i*2:], uint16(s))
	}
	return buf
}

// DecodeWAV parses any RIFF/WAVE byte stream carrying 16-bit PCM — both the
// normalizer's own raw container and the backend's decoded output (which uses
// the common 16-byte fmt chunk). It walks chunks until "data".
func DecodeWAV(data []byte) (samples []int16, sampleRate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkLen > len(data) {
			// Tolerate a data chunk whose declared size overruns the buffer;
			// anything else is corrupt.
			if chunkID != "data" {
				return nil, 0, 0, fmt.Errorf("truncated %q chunk", chunkID)
			}
			chunkLen = len(data) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkLen < 14 {
				return nil, 0, 0, fmt.Errorf("fmt chunk too short: %d bytes", chunkLen)
			}
			formatTag := binary.LittleEndian.Uint16(data[body : body+2])
			if formatTag != 1 {
				return nil, 0, 0, fmt.Errorf("unsupported format tag %d (want PCM)", formatTag)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			blockAlign := int(binary.LittleEndian.Uint16(data[body+12 : body+14]))
			if channels < 1 || sampleRate < 1 || blockAlign != channels*2 {
				return nil, 0, 0, fmt.Errorf("unsupported PCM layout (channels=%d rate=%d blockAlign=%d)", channels, sampleRate, blockAlign)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			n := chunkLen / 2
			samples = make([]int16, n)
			for i := 0; i < n; i++ {
				samples[i] = int16(binary.LittleEndian.Uint16(data[body+i*2 : body+i*2+2]))
			}
			return samples, sampleRate, channels, nil
		}

		pos = body + chunkLen
		if chunkLen%2 == 1 {
			pos++ // RIFF chunks are word-aligned
		}
	}
	return nil, 0, 0, fmt.Errorf("no data chunk found")
}

// IsRawContainer reports whether data starts with the normalizer's container.
func IsRawContainer(data []byte) bool {
	if len(data) < rawHeaderSize {
		return false
	}
	return bytes.Equal(data[0:4], []byte("RIFF")) &&
		bytes.Equal(data[8:12], []byte("WAVE")) &&
		binary.LittleEndian.Uint32(data[16:20]) == 14
}

// PadSamples pads interleaved samples with trailing silence up to target.
// Padding is always appended at the end, never distributed or prepended.
// Input at or above the target is returned unchanged — longer narration is
// preserved even if it overruns the visual clip.
func PadSamples(samples []int16, sampleRate, channels int, target time.Duration) []int16 {
	targetFrames := int(int64(sampleRate) * int64(target) / int64(time.Second))
	frames := len(samples) / channels
	if frames >= targetFrames {
		return samples
	}
	out := make([]int16, targetFrames*channels)
	copy(out, samples)
	return out
}

// SampleDuration returns the play time of interleaved samples.
func SampleDuration(sampleCount, sampleRate, channels int) time.Duration {
	if sampleRate == 0 || channels == 0 {
		return 0
	}
	frames := sampleCount / channels
	return time.Duration(int64(frames) * int64(time.Second) / int64(sampleRate))
}

// Normalizer pads synthesized speech with trailing silence so its duration
// matches a fixed target.
type Normalizer struct {
	Target time.Duration
}

func NewNormalizer(target time.Duration) *Normalizer {
	if target <= 0 {
		target = defaultPadTarget
	}
	return &Normalizer{Target: target}
}

// NormalizeSpeech decodes speech via the encoding backend, pads it to the
// target duration and re-encodes it into the raw container. Speech already at
// or past the target comes back unchanged. Any decode failure also returns
// the input unmodified — a duration mismatch is a cosmetic degradation, not a
// fatal error for the export.
func (n *Normalizer) NormalizeSpeech(ctx context.Context, sess encoder.Session, speech []byte) []byte {
	const (
		inName  = "norm_in.audio"
		outName = "norm_decoded.wav"
	)

	decoded, err := n.decode(ctx, sess, inName, outName, speech)
	// Scratch files are no longer needed whichever way decode went.
	sess.Delete(inName)
	sess.Delete(outName)
	if err != nil {
		log.Printf("[Normalize] Decode failed, keeping speech as-is: %v", err)
		return speech
	}

	samples, rate, channels, err := DecodeWAV(decoded)
	if err != nil {
		log.Printf("[Normalize] Could not parse decoded audio, keeping speech as-is: %v", err)
		return speech
	}

	original := SampleDuration(len(samples), rate, channels)
	if original >= n.Target {
		return speech
	}

	padded := PadSamples(samples, rate, channels, n.Target)
	log.Printf("[Normalize] Padded speech %v -> %v (%dHz, %dch)", original, n.Target, rate, channels)
	return EncodeRaw(padded, rate, channels)
}

func (n *Normalizer) decode(ctx context.Context, sess encoder.Session, inName, outName string, speech []byte) ([]byte, error) {
	if err := sess.Write(inName, speech); err != nil {
		return nil, err
	}
	argv := []string{"ffmpeg", "-y", "-i", inName, "-acodec", "pcm_s16le", outName}
	if err := sess.Exec(ctx, argv); err != nil {
		return nil, err
	}
	return sess.Read(outName)
}
