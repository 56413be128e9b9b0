package speech

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/autokj/internal/observe"
	"github.com/MrWong99/autokj/internal/resilience"
)

// Tests that exec a freshly written script are not parallel: a concurrent
// fork can inherit the write descriptor and make exec fail with ETXTBSY.

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeWAV encodes data as a 16-bit PCM WAV file and returns its path.
func writeWAV(t *testing.T, rate, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

// ─── Piper ────────────────────────────────────────────────────────────────────

func TestPiper_ReadsRawOutput(t *testing.T) {
	dir := t.TempDir()
	textFile := filepath.Join(dir, "text")
	argsFile := filepath.Join(dir, "args")
	// Emits samples 1 and -2 as little-endian S16.
	bin := writeScript(t, "piper",
		`echo "$@" > `+argsFile+`; cat > `+textFile+`; printf '\001\000\376\377'`)

	p := &Piper{Bin: bin, Model: "/voices/en.onnx"}
	samples, rate, err := p.Synthesize(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if rate != DefaultRate {
		t.Errorf("rate = %d, want %d", rate, DefaultRate)
	}
	if want := []int16{1, -2}; !slices.Equal(samples, want) {
		t.Errorf("samples = %v, want %v", samples, want)
	}
	text, _ := os.ReadFile(textFile)
	if string(text) != "hello there" {
		t.Errorf("stdin = %q, want %q", text, "hello there")
	}
	args, _ := os.ReadFile(argsFile)
	if got := strings.TrimSpace(string(args)); got != "--model /voices/en.onnx --output-raw" {
		t.Errorf("args = %q", got)
	}
}

func TestPiper_NoOutput(t *testing.T) {
	bin := writeScript(t, "piper", "cat > /dev/null")
	_, _, err := (&Piper{Bin: bin, Model: "m"}).Synthesize(context.Background(), "x")
	if !errors.Is(err, ErrNoAudio) {
		t.Errorf("err = %v, want ErrNoAudio", err)
	}
}

func TestPiper_FailureIncludesStderr(t *testing.T) {
	bin := writeScript(t, "piper", "echo 'model not found' >&2; exit 2")
	_, _, err := (&Piper{Bin: bin, Model: "m"}).Synthesize(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("err = %v, want stderr text", err)
	}
}

func TestPiper_NoModel(t *testing.T) {
	t.Parallel()
	if _, _, err := (&Piper{}).Synthesize(context.Background(), "x"); err == nil {
		t.Error("Synthesize without model succeeded")
	}
}

// ─── espeak-ng ────────────────────────────────────────────────────────────────

func TestEspeak_Args(t *testing.T) {
	t.Parallel()

	got := (&Espeak{}).Args("hi")
	if want := []string{"--stdout", "--", "hi"}; !slices.Equal(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
	got = (&Espeak{Voice: "en-us", WordsPerMinute: 150}).Args("-dash")
	want := []string{"--stdout", "-v", "en-us", "-s", "150", "--", "-dash"}
	if !slices.Equal(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
}

func TestEspeak_DecodesWAV(t *testing.T) {
	wavFile := writeWAV(t, 22050, 1, []int{100, -100, 32767})
	bin := writeScript(t, "espeak-ng", "cat "+wavFile)

	samples, rate, err := (&Espeak{Bin: bin}).Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if rate != 22050 {
		t.Errorf("rate = %d, want 22050", rate)
	}
	if want := []int16{100, -100, 32767}; !slices.Equal(samples, want) {
		t.Errorf("samples = %v, want %v", samples, want)
	}
}

func TestDecodeWAV_Stereo(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 16000, 2, []int{1, 9, 2, 9, 3, 9})
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	samples, rate, err := DecodeWAV(b)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != 16000 {
		t.Errorf("rate = %d, want 16000", rate)
	}
	if want := []int16{1, 2, 3}; !slices.Equal(samples, want) {
		t.Errorf("samples = %v, want %v", samples, want)
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()
	if _, _, err := DecodeWAV([]byte("not a wav file")); err == nil {
		t.Error("DecodeWAV of garbage succeeded")
	}
}

func TestMonoPCM16_Rescales(t *testing.T) {
	t.Parallel()

	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1}, Data: []int{1 << 16, -(1 << 16)}}
	if got, want := monoPCM16(buf, 24), []int16{256, -256}; !slices.Equal(got, want) {
		t.Errorf("24-bit: got %v, want %v", got, want)
	}
	buf.Data = []int{128, 255, 0}
	if got, want := monoPCM16(buf, 8), []int16{0, 127 << 8, -128 << 8}; !slices.Equal(got, want) {
		t.Errorf("8-bit: got %v, want %v", got, want)
	}
}

// ─── Fallback ─────────────────────────────────────────────────────────────────

type staticSynth struct {
	rate  int
	err   error
	calls int
}

func (s *staticSynth) Synthesize(context.Context, string) ([]int16, int, error) {
	s.calls++
	if s.err != nil {
		return nil, 0, s.err
	}
	return []int16{7}, s.rate, nil
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m, reader
}

func TestFallback_UsesSecondBackend(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	piper := &staticSynth{err: errors.New("no model")}
	espeak := &staticSynth{rate: 22050}
	f := NewFallback(resilience.BreakerConfig{}, m)
	f.Add("piper", piper)
	f.Add("espeak", espeak)

	samples, rate, err := f.Synthesize(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if rate != 22050 || !slices.Equal(samples, []int16{7}) {
		t.Errorf("got %v @ %d, want [7] @ 22050", samples, rate)
	}
	if piper.calls != 1 || espeak.calls != 1 {
		t.Errorf("calls = piper %d, espeak %d; want 1, 1", piper.calls, espeak.calls)
	}
	if got := f.Backends(); !slices.Equal(got, []string{"piper", "espeak"}) {
		t.Errorf("Backends() = %v", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "autokj.speech.synthesis.duration" {
				continue
			}
			hist := md.Data.(metricdata.Histogram[float64])
			for _, dp := range hist.DataPoints {
				if v, ok := dp.Attributes.Value("backend"); ok && v.AsString() == "espeak" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("no synthesis duration recorded for backend espeak")
	}
}

func TestFallback_AllFail(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)
	f := NewFallback(resilience.BreakerConfig{}, m)
	f.Add("piper", &staticSynth{err: errors.New("no model")})
	f.Add("espeak", &staticSynth{err: errors.New("no voice")})

	_, _, err := f.Synthesize(context.Background(), "hi")
	if !errors.Is(err, resilience.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	for _, want := range []string{"piper: no model", "espeak: no voice"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err = %q, missing %q", err, want)
		}
	}
}

func TestFallback_OpenCircuitSkipsPrimary(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	piper := &staticSynth{err: errors.New("crash")}
	espeak := &staticSynth{rate: 22050}
	f := NewFallback(resilience.BreakerConfig{Threshold: 1}, m)
	f.Add("piper", piper)
	f.Add("espeak", espeak)

	for range 3 {
		if _, _, err := f.Synthesize(context.Background(), "hi"); err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
	}
	if piper.calls != 1 {
		t.Errorf("piper calls = %d, want 1 (circuit open after first failure)", piper.calls)
	}
	if espeak.calls != 3 {
		t.Errorf("espeak calls = %d, want 3", espeak.calls)
	}
	if got := f.State("piper"); got != resilience.Open {
		t.Errorf("piper state = %v, want open", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var opened int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "autokj.speech.breaker.transitions" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				if v, _ := dp.Attributes.Value("backend"); v.AsString() == "piper" {
					opened += dp.Value
				}
			}
		}
	}
	if opened != 1 {
		t.Errorf("piper breaker transitions = %d, want 1", opened)
	}
}
