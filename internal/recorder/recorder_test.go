package recorder_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/intervoice/internal/recorder"
	"github.com/MrWong99/intervoice/pkg/audio"
	"github.com/MrWong99/intervoice/pkg/audio/codec"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func frame(n int) audio.PCM {
	return audio.PCM{Samples: make([]int16, n), SampleRate: 16000, Channels: 1}
}

func newRecorder(t *testing.T, prefs ...string) *recorder.Recorder {
	t.Helper()
	r, err := recorder.New(mono16k, prefs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRecorder_DiscardsWhileClosed(t *testing.T) {
	t.Parallel()
	r := newRecorder(t)

	if r.Write(frame(160)) {
		t.Error("Write accepted audio without an open segment")
	}
	if _, ok := r.Flush(); ok {
		t.Error("Flush produced a chunk without an open segment")
	}
	if _, ok := r.End(); ok {
		t.Error("End produced a chunk without an open segment")
	}
	if r.Discarded() != 1 {
		t.Errorf("Discarded() = %d, want 1", r.Discarded())
	}
}

func TestRecorder_SegmentChunks(t *testing.T) {
	t.Parallel()
	r := newRecorder(t)
	if r.MIMEType() != codec.WAV {
		t.Fatalf("MIMEType() = %q, want wav", r.MIMEType())
	}

	if err := r.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	r.Write(frame(800))
	first, ok := r.Flush()
	if !ok {
		t.Fatal("Flush returned nothing after a write")
	}
	if !bytes.HasPrefix(first.Data, []byte("RIFF")) {
		t.Error("first chunk lacks the container header")
	}
	if first.Segment != 1 || first.Seq != 1 || first.Final {
		t.Errorf("first chunk = %+v", first)
	}

	if _, ok := r.Flush(); ok {
		t.Error("Flush with no new audio produced a chunk")
	}

	r.Write(frame(800))
	last, ok := r.End()
	if !ok {
		t.Fatal("End returned nothing")
	}
	if last.Seq != 2 || !last.Final || len(last.Data) != 1600 {
		t.Errorf("last chunk = seq %d final %v len %d", last.Seq, last.Final, len(last.Data))
	}
	if r.Write(frame(10)) {
		t.Error("segment still accepts audio after End")
	}
}

func TestRecorder_NewSegmentNewHeader(t *testing.T) {
	t.Parallel()
	r := newRecorder(t)

	for want := 1; want <= 2; want++ {
		if err := r.Begin(); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		r.Write(frame(10))
		c, ok := r.End()
		if !ok {
			t.Fatal("End returned nothing")
		}
		if c.Segment != want || c.Seq != 1 {
			t.Errorf("segment %d chunk = %+v", want, c)
		}
		if !bytes.HasPrefix(c.Data, []byte("RIFF")) {
			t.Errorf("segment %d does not start a new container", want)
		}
	}
}

func TestRecorder_BeginTwice(t *testing.T) {
	t.Parallel()
	r := newRecorder(t)
	if err := r.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := r.Begin(); !errors.Is(err, recorder.ErrSegmentOpen) {
		t.Errorf("second Begin = %v, want ErrSegmentOpen", err)
	}
}

func TestRecorder_FallbackContainer(t *testing.T) {
	t.Parallel()
	r := newRecorder(t, codec.WebM, codec.L16)
	if r.MIMEType() != codec.L16 {
		t.Fatalf("MIMEType() = %q, want l16", r.MIMEType())
	}
	_ = r.Begin()
	r.Write(frame(4))
	c, _ := r.End()
	if len(c.Data) != 8 {
		t.Errorf("l16 chunk = %d bytes, want 8", len(c.Data))
	}
}

func TestRecorder_ConvertsCapturedFormat(t *testing.T) {
	t.Parallel()
	r := newRecorder(t, codec.L16)
	_ = r.Begin()
	r.Write(audio.PCM{Samples: make([]int16, 2*320), SampleRate: 32000, Channels: 2})
	c, _ := r.End()
	if len(c.Data) != 320 {
		t.Errorf("chunk = %d bytes, want 160 mono frames at 16 kHz", len(c.Data))
	}
}

func TestNew_NoSupportedContainer(t *testing.T) {
	t.Parallel()
	if _, err := recorder.New(mono16k, []string{codec.WebM}); !errors.Is(err, codec.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestRecorder_SegmentDecodesAsOneUnit(t *testing.T) {
	t.Parallel()
	r := newRecorder(t)

	if err := r.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var segment []byte
	for range 3 {
		r.Write(frame(1600))
		c, ok := r.Flush()
		if !ok {
			t.Fatal("Flush returned nothing")
		}
		segment = append(segment, c.Data...)
	}
	r.Write(frame(800))
	last, _ := r.End()
	segment = append(segment, last.Data...)

	p, kind, err := codec.Decode(segment)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if kind != codec.WAV || p.Format() != mono16k {
		t.Errorf("decoded %s %s, want wav %s", kind, p.Format(), mono16k)
	}
	if p.Frames() != 3*1600+800 {
		t.Errorf("Frames() = %d, want %d", p.Frames(), 3*1600+800)
	}
}
