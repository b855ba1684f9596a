package compose

import (
	"context"
	"fmt"
	"strings"

	"github.com/storyloom/server/internal/encoder"
	"github.com/storyloom/server/internal/models"
)

// Concatenate joins normalized clips in the exact order given using the
// backend's concat demuxer with a direct stream copy. All inputs share a
// compatible codec profile because every one of them passed through the same
// segment processor.
//
// A single input is returned as-is — no pointless transcode. A missing clip
// is a programming/ordering bug upstream and fails hard with no partial
// output.
func Concatenate(ctx context.Context, sess encoder.Session, clips [][]byte) ([]byte, error) {
	if len(clips) == 0 {
		return nil, &models.ConcatenationError{Clip: "(none)", Err: fmt.Errorf("no clips to concatenate")}
	}

	for i, clip := range clips {
		if len(clip) == 0 {
			return nil, &models.ConcatenationError{
				Clip: fmt.Sprintf("seg_%d.mp4", i),
				Err:  fmt.Errorf("clip missing at concatenation time"),
			}
		}
	}

	if len(clips) == 1 {
		return clips[0], nil
	}

	var list strings.Builder
	for i, clip := range clips {
		name := fmt.Sprintf("seg_%d.mp4", i)
		if err := sess.Write(name, clip); err != nil {
			return nil, &models.ConcatenationError{Clip: name, Err: err}
		}
		fmt.Fprintf(&list, "file '%s'\n", name)
	}
	if err := sess.Write("concat_list.txt", []byte(list.String())); err != nil {
		return nil, &models.ConcatenationError{Clip: "concat_list.txt", Err: err}
	}

	argv := []string{
		"ffmpeg", "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", "concat_list.txt",
		"-c", "copy",
		"final.mp4",
	}
	if err := sess.Exec(ctx, argv); err != nil {
		return nil, &models.ConcatenationError{Clip: "final.mp4", Err: err}
	}

	out, err := sess.Read("final.mp4")
	if err != nil {
		return nil, &models.ConcatenationError{Clip: "final.mp4", Err: err}
	}
	if len(out) == 0 {
		return nil, &models.ConcatenationError{Clip: "final.mp4", Err: fmt.Errorf("backend produced empty output")}
	}
	return out, nil
}
