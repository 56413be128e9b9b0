package playback

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/autokj/internal/audioserver"
	"github.com/MrWong99/autokj/internal/audioserver/mock"
	"github.com/MrWong99/autokj/pkg/audio"
)

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%100) / 100
	}
	return out
}

// onlyClient waits until srv has opened exactly one client and returns it.
func onlyClient(t *testing.T, srv *mock.Server) *mock.Client {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c := srv.Opened(); len(c) == 1 {
			return c[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no playback client opened")
	return nil
}

func TestPlay_StreamsResampledBuffer(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{AutoRun: time.Millisecond, Period: 256}
	inj := New(srv, WithDrainDelay(time.Millisecond))

	in := ramp(2205) // 100 ms at 22050 Hz
	if err := inj.Play(context.Background(), in, 22050); err != nil {
		t.Fatalf("Play: %v", err)
	}

	c := onlyClient(t, srv)
	if !strings.HasPrefix(c.Name(), ClientPrefix) {
		t.Errorf("client name = %q, want prefix %q", c.Name(), ClientPrefix)
	}
	if len(c.Name()) != len(ClientPrefix)+8 {
		t.Errorf("client name %q, want an 8 character suffix", c.Name())
	}
	if !c.Closed() || c.CallCountDeactivate == 0 {
		t.Error("playback client was not deactivated and closed")
	}

	want := audio.ResampleNearest(in, 22050, 48000)
	if len(want) != 4800 {
		t.Fatalf("resampled length = %d, want 4800", len(want))
	}
	for _, port := range []string{"out_L", "out_R"} {
		got := c.Port(port).Recorded()
		if len(got) < len(want) {
			t.Fatalf("%s recorded %d samples, want at least %d", port, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s[%d] = %v, want %v", port, i, got[i], want[i])
			}
		}
		for i, v := range got[len(want):] {
			if v != 0 {
				t.Fatalf("%s padding[%d] = %v, want 0", port, i, v)
			}
		}
	}

	conns := c.ConnectionsSnapshot()
	wantConns := []mock.Connection{
		{Src: c.Name() + ":out_L", Dst: "system:playback_1"},
		{Src: c.Name() + ":out_R", Dst: "system:playback_2"},
	}
	if len(conns) != len(wantConns) {
		t.Fatalf("connections = %v, want %v", conns, wantConns)
	}
	for i := range wantConns {
		if conns[i] != wantConns[i] {
			t.Errorf("connection[%d] = %v, want %v", i, conns[i], wantConns[i])
		}
	}
}

func TestPlay_ExactMultipleOfPeriod(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{AutoRun: time.Millisecond, Period: 256}
	inj := New(srv, WithDrainDelay(0))

	// 512 samples end exactly on a block boundary; completion is signalled
	// by the following all-zero block.
	if err := inj.Play(context.Background(), ramp(512), 48000); err != nil {
		t.Fatalf("Play: %v", err)
	}
	c := onlyClient(t, srv)
	if got := len(c.Port("out_L").Recorded()); got < 768 {
		t.Errorf("recorded %d samples, want at least 768", got)
	}
}

func TestPlayPCM16_Normalises(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{AutoRun: time.Millisecond, Period: 64}
	inj := New(srv, WithDrainDelay(0))

	if err := inj.PlayPCM16(context.Background(), []int16{16384, -32768, 0}, 48000); err != nil {
		t.Fatalf("PlayPCM16: %v", err)
	}
	got := onlyClient(t, srv).Port("out_L").Recorded()
	want := []float32{0.5, -1, 0}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("sample[%d] = %v, want %v", i, got[i], w)
		}
	}
}

func TestPlay_Timeout(t *testing.T) {
	t.Parallel()

	// Without AutoRun no callback ever fires.
	srv := &mock.Server{}
	inj := New(srv, WithCompletionSlack(20*time.Millisecond), WithDrainDelay(0))

	start := time.Now()
	err := inj.Play(context.Background(), ramp(480), 48000) // 10 ms
	if !errors.Is(err, ErrPlaybackTimeout) {
		t.Fatalf("Play error = %v, want ErrPlaybackTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Play returned after %v, want at least duration + slack", elapsed)
	}
	if c := onlyClient(t, srv); !c.Closed() {
		t.Error("client left open after timeout")
	}
}

func TestPlay_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	inj := New(srv, WithDrainDelay(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := inj.Play(ctx, ramp(48000), 48000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Play error = %v, want context.DeadlineExceeded", err)
	}
	if c := onlyClient(t, srv); !c.Closed() {
		t.Error("client left open after cancellation")
	}
}

func TestPlay_ServerShutdown(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	inj := New(srv, WithDrainDelay(0))

	go func() {
		for {
			if cs := srv.Opened(); len(cs) == 1 && cs[0].Active() {
				cs[0].Kill("zombified")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	err := inj.Play(context.Background(), ramp(48000*5), 48000)
	if err == nil || !strings.Contains(err.Error(), "zombified") {
		t.Fatalf("Play error = %v, want server shutdown", err)
	}
}

func TestPlay_OpenFails(t *testing.T) {
	t.Parallel()

	inj := New(&mock.Server{OpenError: audioserver.ErrServerUnavailable})
	err := inj.Play(context.Background(), ramp(10), 48000)
	if !errors.Is(err, audioserver.ErrServerUnavailable) {
		t.Fatalf("Play error = %v, want ErrServerUnavailable", err)
	}
}

func TestPlay_EmptyBuffer(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	if err := New(srv).Play(context.Background(), nil, 22050); err != nil {
		t.Fatalf("Play(nil): %v", err)
	}
	if srv.OpenCount() != 0 {
		t.Error("empty buffer opened a client")
	}
}

func TestPlay_InvalidRate(t *testing.T) {
	t.Parallel()
	if err := New(&mock.Server{}).Play(context.Background(), ramp(10), 0); err == nil {
		t.Fatal("Play with rate 0 succeeded")
	}
}

func TestPlay_NoPhysicalOutputs(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{AutoRun: time.Millisecond, Graph: []mock.PortInfo{}}
	if err := New(srv, WithDrainDelay(0)).Play(context.Background(), ramp(100), 48000); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if conns := onlyClient(t, srv).ConnectionsSnapshot(); len(conns) != 0 {
		t.Errorf("connections = %v, want none", conns)
	}
}

func TestStream_ZeroPadsAndSignals(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	c, _ := srv.Open("s")
	l, _ := c.RegisterPort("l", audioserver.Output)
	r, _ := c.RegisterPort("r", audioserver.Output)
	s := newStream([]float32{1, 2, 3, 4, 5}, l, r)

	s.OnProcess(4)
	select {
	case <-s.done:
		t.Fatal("done after a full block")
	default:
	}
	s.OnProcess(4)
	got := l.Buffer(4)
	if got[0] != 5 || got[1] != 0 || got[3] != 0 {
		t.Errorf("last block = %v, want [5 0 0 0]", got)
	}
	if rb := r.Buffer(4); rb[0] != 5 {
		t.Errorf("right channel = %v, want copy of left", rb)
	}
	select {
	case <-s.done:
	default:
		t.Fatal("done not signalled after the partial block")
	}

	// Further callbacks keep emitting silence without panicking.
	s.OnProcess(4)
	if got := l.Buffer(4); got[0] != 0 {
		t.Errorf("post-end block = %v, want silence", got)
	}
}
