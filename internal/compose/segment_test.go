package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/storyloom/server/internal/models"
)

// fakeSession is an in-memory encoding backend. onExec inspects argv and
// writes whatever output files the command would have produced.
type fakeSession struct {
	files  map[string][]byte
	execs  [][]string
	onExec func(s *fakeSession, argv []string) error
	closed bool
}

func newFakeSession(onExec func(s *fakeSession, argv []string) error) *fakeSession {
	return &fakeSession{files: make(map[string][]byte), onExec: onExec}
}

func (s *fakeSession) Write(name string, data []byte) error {
	s.files[name] = data
	return nil
}

func (s *fakeSession) Read(name string) ([]byte, error) {
	data, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("failed to read %s: not written", name)
	}
	return data, nil
}

func (s *fakeSession) Exec(_ context.Context, argv []string) error {
	s.execs = append(s.execs, argv)
	if s.onExec != nil {
		return s.onExec(s, argv)
	}
	return nil
}

func (s *fakeSession) Delete(name string) error {
	delete(s.files, name)
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// produceOutput is the happy-path exec stub: the last argv element is the
// output name, which gets deterministic fake bytes.
func produceOutput(s *fakeSession, argv []string) error {
	out := argv[len(argv)-1]
	s.files[out] = []byte("encoded:" + strings.Join(argv, " "))
	return nil
}

func hasArgPair(argv []string, flag, value string) bool {
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == flag && argv[i+1] == value {
			return true
		}
	}
	return false
}

func hasArg(argv []string, flag string) bool {
	for _, a := range argv {
		if a == flag {
			return true
		}
	}
	return false
}

func TestPassthroughIsByteIdentical(t *testing.T) {
	sess := newFakeSession(produceOutput)
	p := NewProcessor()

	video := []byte("raw-video-clip-bytes")
	out, err := p.Process(context.Background(), sess, Input{Video: video})
	if err != nil {
		t.Fatalf("passthrough failed: %v", err)
	}
	if string(out) != string(video) {
		t.Error("passthrough output must be byte-identical to the input clip")
	}
	if len(sess.execs) != 0 {
		t.Errorf("passthrough must not touch the backend, got %d execs", len(sess.execs))
	}
}

func TestCaptionWithoutBurnIsPassthrough(t *testing.T) {
	sess := newFakeSession(produceOutput)
	p := NewProcessor()

	video := []byte("clip")
	out, err := p.Process(context.Background(), sess, Input{Video: video, Caption: "The storm arrives."})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(video) {
		t.Error("caption without burn-in request must leave the clip unchanged")
	}
	if len(sess.execs) != 0 {
		t.Error("no transcode expected when caption is only previewed")
	}
}

func TestMuxCopiesVideoAndTruncatesToShortest(t *testing.T) {
	sess := newFakeSession(produceOutput)
	p := NewProcessor()

	out, err := p.Process(context.Background(), sess, Input{
		Video:  []byte("clip"),
		Speech: []byte("mp3-bytes"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 {
		t.Fatal("mux produced no output")
	}

	if len(sess.execs) != 1 {
		t.Fatalf("expected 1 exec, got %d", len(sess.execs))
	}
	argv := sess.execs[0]
	if !hasArgPair(argv, "-c:v", "copy") {
		t.Error("mux must copy the video stream, not re-encode")
	}
	if !hasArgPair(argv, "-c:a", "aac") || !hasArgPair(argv, "-b:a", "192k") {
		t.Error("speech must be transcoded to the fixed compressed format")
	}
	if !hasArg(argv, "-shortest") {
		t.Error("mux duration must be the shorter of the two streams")
	}
}

func TestMuxWithRawContainerSpeech(t *testing.T) {
	sess := newFakeSession(produceOutput)
	p := NewProcessor()

	speech := EncodeRaw([]int16{100, -100, 200, -200}, 16000, 1)
	_, err := p.Process(context.Background(), sess, Input{
		Video:  []byte("clip"),
		Speech: speech,
	})
	if err != nil {
		t.Fatal(err)
	}

	argv := sess.execs[0]
	if !hasArgPair(argv, "-f", "s16le") || !hasArgPair(argv, "-ar", "16000") || !hasArgPair(argv, "-ac", "1") {
		t.Errorf("raw container speech must reach the backend with explicit s16le parameters, argv = %v", argv)
	}
	if _, ok := sess.files["speech.raw"]; !ok {
		t.Error("raw speech samples not written to the session")
	}
}

func TestBurnReencodesVideo(t *testing.T) {
	sess := newFakeSession(produceOutput)
	p := NewProcessor()
	profile, _ := ProfileByName("high")

	_, err := p.Process(context.Background(), sess, Input{
		Video:       []byte("clip"),
		Speech:      []byte("speech"),
		Caption:     "He said: 'run'",
		BurnCaption: true,
		Profile:     profile,
	})
	if err != nil {
		t.Fatal(err)
	}

	argv := sess.execs[0]
	if !hasArgPair(argv, "-c:v", "libx264") {
		t.Error("caption burn-in requires re-encoding the video stream")
	}
	if !hasArgPair(argv, "-preset", "slow") || !hasArgPair(argv, "-crf", "20") {
		t.Error("quality profile not applied on re-encode")
	}
	var vf string
	for i := range argv {
		if argv[i] == "-vf" && i+1 < len(argv) {
			vf = argv[i+1]
		}
	}
	if !strings.Contains(vf, "drawtext=") {
		t.Errorf("burn-in filter missing, vf = %q", vf)
	}
	if strings.Contains(vf, "He said: ") {
		t.Error("caption colon not escaped for filter syntax")
	}
}

func TestResolutionOverrideAddsScale(t *testing.T) {
	sess := newFakeSession(produceOutput)
	p := NewProcessor()
	profile, _ := ProfileByName("")

	_, err := p.Process(context.Background(), sess, Input{
		Video:       []byte("clip"),
		Caption:     "caption",
		BurnCaption: true,
		Profile:     profile,
		Resolution:  "1080x1920",
	})
	if err != nil {
		t.Fatal(err)
	}

	argv := sess.execs[0]
	var vf string
	for i := range argv {
		if argv[i] == "-vf" && i+1 < len(argv) {
			vf = argv[i+1]
		}
	}
	if !strings.HasPrefix(vf, "scale=1080:1920,") {
		t.Errorf("resolution override must scale before drawtext, vf = %q", vf)
	}
}

func TestMalformedResolutionIsRejected(t *testing.T) {
	sess := newFakeSession(produceOutput)
	p := NewProcessor()

	for _, bad := range []string{"1080", "x1920", "1080x", "1080:1920"} {
		_, err := p.Process(context.Background(), sess, Input{
			Video:       []byte("clip"),
			Caption:     "On the rocks",
			BurnCaption: true,
			Resolution:  bad,
		})
		if err == nil {
			t.Fatalf("resolution %q must be rejected, not encoded", bad)
		}
		var encErr *models.EncodingError
		if !errors.As(err, &encErr) {
			t.Errorf("resolution %q: want EncodingError, got %T: %v", bad, err, err)
		}
	}
	if len(sess.execs) != 0 {
		t.Errorf("malformed resolution must not reach the backend, got %d execs", len(sess.execs))
	}
}

func TestEmptyOutputIsHardFailure(t *testing.T) {
	sess := newFakeSession(func(s *fakeSession, argv []string) error {
		s.files[argv[len(argv)-1]] = nil // exec "succeeds" but writes nothing
		return nil
	})
	p := NewProcessor()

	_, err := p.Process(context.Background(), sess, Input{
		Video:  []byte("clip"),
		Speech: []byte("speech"),
	})
	if err == nil {
		t.Fatal("empty output after a requested operation must fail the segment")
	}
	var encErr *models.EncodingError
	if !errors.As(err, &encErr) {
		t.Errorf("want EncodingError, got %T: %v", err, err)
	}
}

func TestExecFailureIsEncodingError(t *testing.T) {
	sess := newFakeSession(func(*fakeSession, []string) error {
		return errors.New("exit status 1")
	})
	p := NewProcessor()

	_, err := p.Process(context.Background(), sess, Input{
		Video:  []byte("clip"),
		Speech: []byte("speech"),
	})
	if models.Classify(err) != models.ErrEncoding {
		t.Errorf("exec failure must classify as encoding failure, got %q", models.Classify(err))
	}
}
