package compose

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/storyloom/server/internal/encoder"
	"github.com/storyloom/server/internal/models"
)

// Caption burn-in styling: bottom-aligned, outlined, sized for readability.
// Per-export styling is not a supported knob.
const (
	captionFontSize     = 48
	captionOutlineWidth = 3
	captionBottomMargin = 64
)

// Input is everything the segment processor needs for one shot: the raw
// video clip plus optional speech and caption.
type Input struct {
	Video       []byte
	Speech      []byte // nil = no speech
	Caption     string
	BurnCaption bool // explicit burn-in request; without it captions are preview-only
	Profile     Profile
	Resolution  string // optional "WxH" override, applied on re-encode branches
}

// Processor turns one shot's assets into exactly one normalized clip.
type Processor struct {
	audioBitrate string
}

func NewProcessor() *Processor {
	return &Processor{audioBitrate: "192k"}
}

// Process evaluates the four policy branches in priority order and returns
// the normalized clip bytes. The caller owns the session and must Close it
// after the segment completes, success or failure.
func (p *Processor) Process(ctx context.Context, sess encoder.Session, in Input) ([]byte, error) {
	if len(in.Video) == 0 {
		return nil, &models.EncodingError{Op: "input", Err: fmt.Errorf("segment has no video clip bytes")}
	}
	// Reject a malformed override before any branch splits it into a scale
	// filter; videoFilter assumes a well-formed "WxH".
	if err := ValidateResolution(in.Resolution); err != nil {
		return nil, &models.EncodingError{Op: "input", Err: err}
	}

	burn := in.BurnCaption && in.Caption != ""
	if in.Caption != "" && !burn {
		// Captions are rendered as an overlay in interactive preview only;
		// the composed file leaves the clip unchanged unless burn-in was
		// explicitly requested.
		log.Printf("[Compose] Caption ignored for composed output (burn-in not requested): %q", truncateText(in.Caption, 60))
	}

	switch {
	case in.Speech == nil && !burn:
		// Fast path: byte-identical passthrough, no transcode.
		return in.Video, nil

	case in.Speech == nil && burn:
		return p.burnOnly(ctx, sess, in)

	case !burn:
		return p.mux(ctx, sess, in)

	default:
		return p.muxAndBurn(ctx, sess, in)
	}
}

// burnOnly re-encodes the video stream to rasterize the caption; no audio
// work. Re-encoding is unavoidable — burning text means re-rasterizing
// frames.
func (p *Processor) burnOnly(ctx context.Context, sess encoder.Session, in Input) ([]byte, error) {
	if err := sess.Write("in.mp4", in.Video); err != nil {
		return nil, &models.EncodingError{Op: "burn", Err: err}
	}

	argv := []string{
		"ffmpeg", "-y",
		"-i", "in.mp4",
		"-vf", p.videoFilter(in),
		"-c:v", "libx264",
		"-preset", in.Profile.Preset,
		"-crf", fmt.Sprintf("%d", in.Profile.CRF),
		"-pix_fmt", "yuv420p",
		"-c:a", "copy",
		"out.mp4",
	}
	if err := sess.Exec(ctx, argv); err != nil {
		return nil, &models.EncodingError{Op: "burn", Err: err}
	}
	return p.readOutput(sess, "burn")
}

// mux copies the video stream and transcodes speech to AAC at a fixed
// bitrate. Output duration is the shorter of the two inputs: the video frame
// count is authoritative, speech never extends segment length here.
func (p *Processor) mux(ctx context.Context, sess encoder.Session, in Input) ([]byte, error) {
	speechArgs, err := p.writeSpeech(sess, in.Speech)
	if err != nil {
		return nil, &models.EncodingError{Op: "mux", Err: err}
	}
	if err := sess.Write("in.mp4", in.Video); err != nil {
		return nil, &models.EncodingError{Op: "mux", Err: err}
	}

	argv := []string{"ffmpeg", "-y", "-i", "in.mp4"}
	argv = append(argv, speechArgs...)
	argv = append(argv,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", p.audioBitrate,
		"-shortest",
		"out.mp4",
	)
	if err := sess.Exec(ctx, argv); err != nil {
		return nil, &models.EncodingError{Op: "mux", Err: err}
	}
	return p.readOutput(sess, "mux")
}

// muxAndBurn combines the mux with caption burn-in, so the video stream is
// re-encoded instead of copied.
func (p *Processor) muxAndBurn(ctx context.Context, sess encoder.Session, in Input) ([]byte, error) {
	speechArgs, err := p.writeSpeech(sess, in.Speech)
	if err != nil {
		return nil, &models.EncodingError{Op: "mux+burn", Err: err}
	}
	if err := sess.Write("in.mp4", in.Video); err != nil {
		return nil, &models.EncodingError{Op: "mux+burn", Err: err}
	}

	argv := []string{"ffmpeg", "-y", "-i", "in.mp4"}
	argv = append(argv, speechArgs...)
	argv = append(argv,
		"-vf", p.videoFilter(in),
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "libx264",
		"-preset", in.Profile.Preset,
		"-crf", fmt.Sprintf("%d", in.Profile.CRF),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", p.audioBitrate,
		"-shortest",
		"out.mp4",
	)
	if err := sess.Exec(ctx, argv); err != nil {
		return nil, &models.EncodingError{Op: "mux+burn", Err: err}
	}
	return p.readOutput(sess, "mux+burn")
}

// writeSpeech stores the speech clip in the session and returns the ffmpeg
// input arguments for it. The normalizer's raw container is recognized and
// fed to the backend with explicit s16le parameters, so no container
// guessing is involved.
func (p *Processor) writeSpeech(sess encoder.Session, speech []byte) ([]string, error) {
	if IsRawContainer(speech) {
		samples, rate, channels, err := DecodeWAV(speech)
		if err != nil {
			return nil, fmt.Errorf("raw speech container unreadable: %w", err)
		}
		pcm := make([]byte, len(samples)*2)
		for i, s := range samples {
			pcm[i*2] = byte(s)
			pcm[i*2+1] = byte(uint16(s) >> 8)
		}
		if err := sess.Write("speech.raw", pcm); err != nil {
			return nil, err
		}
		return []string{
			"-f", "s16le",
			"-ar", fmt.Sprintf("%d", rate),
			"-ac", fmt.Sprintf("%d", channels),
			"-i", "speech.raw",
		}, nil
	}

	if err := sess.Write("speech.audio", speech); err != nil {
		return nil, err
	}
	return []string{"-i", "speech.audio"}, nil
}

// videoFilter builds the -vf chain: optional resolution scale, then the
// fixed-style drawtext caption.
func (p *Processor) videoFilter(in Input) string {
	var parts []string
	if in.Resolution != "" {
		wh := strings.SplitN(in.Resolution, "x", 2)
		parts = append(parts, fmt.Sprintf("scale=%s:%s", wh[0], wh[1]))
	}
	parts = append(parts, fmt.Sprintf(
		"drawtext=text='%s':fontcolor=white:fontsize=%d:borderw=%d:bordercolor=black:x=(w-text_w)/2:y=h-text_h-%d",
		escapeFilterText(in.Caption), captionFontSize, captionOutlineWidth, captionBottomMargin,
	))
	return strings.Join(parts, ",")
}

// readOutput verifies the requested operation actually produced bytes. An
// empty or missing output is a hard failure for the segment — a zero-byte
// clip would corrupt the downstream concatenation.
func (p *Processor) readOutput(sess encoder.Session, op string) ([]byte, error) {
	data, err := sess.Read("out.mp4")
	if err != nil {
		return nil, &models.EncodingError{Op: op, Err: err}
	}
	if len(data) == 0 {
		return nil, &models.EncodingError{Op: op, Err: fmt.Errorf("backend produced empty output")}
	}
	return data, nil
}

// escapeFilterText escapes characters the filter syntax treats specially.
func escapeFilterText(text string) string {
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, ":", "\\:")
	text = strings.ReplaceAll(text, "'", "'\\''")
	text = strings.ReplaceAll(text, "%", "\\%")
	return text
}

func truncateText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
