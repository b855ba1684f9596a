package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"asset expired", &AssetExpiredError{Ref: "shots/a/image.png"}, ErrAssetExpired},
		{"wrapped asset expired", fmt.Errorf("submit failed: %w", &AssetExpiredError{Ref: "x"}), ErrAssetExpired},
		{"malformed", &MalformedResponseError{Excerpt: "{bad", Err: errors.New("unexpected end")}, ErrMalformed},
		{"encoding", &EncodingError{Op: "mux", Err: errors.New("exit status 1")}, ErrEncoding},
		{"concatenation", &ConcatenationError{Clip: "seg_2.mp4", Err: errors.New("not written")}, ErrConcatenation},
		{"plain error", errors.New("connection reset"), ErrProviderGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJobResultOK(t *testing.T) {
	ok := JobResult{AssetRef: "stories/x/shot_1.mp4"}
	if !ok.OK() {
		t.Error("result with asset ref should be OK")
	}

	failed := JobResult{ErrorKind: ErrProviderGeneric, ErrorMessage: "boom"}
	if failed.OK() {
		t.Error("result with error kind should not be OK")
	}

	empty := JobResult{}
	if empty.OK() {
		t.Error("result without asset ref should not be OK")
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		completed, total, want int
	}{
		{0, 7, 0},
		{3, 7, 42},
		{7, 7, 100},
		{0, 0, 100},
	}

	for _, tt := range tests {
		p := Progress{Completed: tt.completed, Total: tt.total}
		if got := p.Percent(); got != tt.want {
			t.Errorf("Percent(%d/%d) = %d, want %d", tt.completed, tt.total, got, tt.want)
		}
	}
}

func TestJobKinds(t *testing.T) {
	kinds := []JobKind{JobKindImage, JobKindVideo, JobKindCharacterImage, JobKindAudio}
	for _, kind := range kinds {
		if kind == "" {
			t.Errorf("empty job kind found")
		}
	}
}
