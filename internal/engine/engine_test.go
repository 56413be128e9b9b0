package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/autokj/internal/audioserver"
	"github.com/MrWong99/autokj/internal/audioserver/mock"
	"github.com/MrWong99/autokj/internal/playback"
)

var bridgedGraph = append([]mock.PortInfo{
	{Name: "zita-a2j:capture_1", Direction: audioserver.Output},
	{Name: "zita-a2j:capture_2", Direction: audioserver.Output},
}, mock.DefaultGraph...)

func newTestEngine(t *testing.T, srv *mock.Server, cfg Config) *Engine {
	t.Helper()
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = time.Millisecond
	}
	e := New(cfg, srv,
		WithFramePollInterval(5*time.Millisecond),
		WithInjector(playback.New(srv, playback.WithDrainDelay(0))),
	)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// cycle fills mic_in with samples and runs one period.
func cycle(t *testing.T, srv *mock.Server, samples []float32) {
	t.Helper()
	c := srv.Client(DefaultClientName)
	c.Port(PortCapture).Fill(samples)
	c.Cycle(len(samples))
}

func TestStart_BridgedSoftwareMonitor(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{Graph: bridgedGraph}
	e := newTestEngine(t, srv, Config{BridgeClient: "zita-a2j", MonitorEnabled: true})

	c := srv.Client(DefaultClientName)
	want := []mock.Connection{
		{Src: "zita-a2j:capture_1", Dst: "autokj:mic_in"},
		{Src: "autokj:monitor_L", Dst: "system:playback_1"},
		{Src: "autokj:monitor_R", Dst: "system:playback_2"},
	}
	got := c.ConnectionsSnapshot()
	if len(got) != len(want) {
		t.Fatalf("connections = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("connection[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if !e.Running() {
		t.Error("Running() = false after Start")
	}
	if !c.Active() {
		t.Error("client not activated")
	}
	if w := e.Warnings(); len(w) != 0 {
		t.Errorf("warnings = %v, want none", w)
	}
}

func TestStart_PhysicalCapture(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	newTestEngine(t, srv, Config{})

	got := srv.Client(DefaultClientName).ConnectionsSnapshot()
	if len(got) == 0 || got[0] != (mock.Connection{Src: "system:capture_1", Dst: "autokj:mic_in"}) {
		t.Errorf("capture connection = %v, want system:capture_1 -> autokj:mic_in", got)
	}
}

func TestStart_ExplicitCaptureSource(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{Graph: bridgedGraph}
	newTestEngine(t, srv, Config{CaptureSource: "zita-a2j:capture_2", BridgeClient: "zita-a2j"})

	got := srv.Client(DefaultClientName).ConnectionsSnapshot()
	if len(got) == 0 || got[0].Src != "zita-a2j:capture_2" {
		t.Errorf("capture connection = %v, want source zita-a2j:capture_2", got)
	}
}

func TestStart_HardwareMonitorHasNoMonitorPorts(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	newTestEngine(t, srv, Config{MonitorMode: MonitorHardware, MonitorEnabled: true})

	c := srv.Client(DefaultClientName)
	if c.Port(PortMonitorLeft) != nil || c.Port(PortMonitorRight) != nil {
		t.Error("hardware mode registered monitor ports")
	}
	if got := c.ConnectionsSnapshot(); len(got) != 1 {
		t.Errorf("connections = %v, want only the capture connection", got)
	}

	// Processing must still work without monitor ports.
	cycle(t, srv, constant(256, 0.1))
}

func TestStart_MissingPortsAreWarnings(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{Graph: []mock.PortInfo{}}
	e := newTestEngine(t, srv, Config{BridgeClient: "zita-a2j"})

	warnings := e.Warnings()
	if len(warnings) != 3 {
		t.Fatalf("warnings = %v, want 3 (capture + two monitor outputs)", warnings)
	}
	for _, w := range warnings {
		var pce *PortConnectionError
		if !errors.As(w, &pce) {
			t.Errorf("warning %v is not a *PortConnectionError", w)
		}
		if !errors.Is(w, audioserver.ErrNoPort) {
			t.Errorf("warning %v does not wrap ErrNoPort", w)
		}
	}
	if !e.Running() {
		t.Error("engine not running despite only warnings")
	}
}

func TestStart_ConnectFailuresAreWarnings(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{ConnectError: errors.New("cannot connect")}
	e := newTestEngine(t, srv, Config{})
	if got := len(e.Warnings()); got != 3 {
		t.Errorf("warnings = %d, want 3", got)
	}
}

func TestStart_OpenFails(t *testing.T) {
	t.Parallel()

	e := New(Config{}, &mock.Server{OpenError: audioserver.ErrServerUnavailable})
	err := e.Start(context.Background())
	if !errors.Is(err, audioserver.ErrServerUnavailable) {
		t.Fatalf("Start error = %v, want ErrServerUnavailable", err)
	}
	e.Shutdown()
}

func TestStart_WrongSampleRate(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{Rate: 44100}
	e := New(Config{}, srv)
	err := e.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "44100") {
		t.Fatalf("Start error = %v, want rate mismatch", err)
	}
	if c := srv.Client(DefaultClientName); !c.Closed() {
		t.Error("client left open after failed start")
	}
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &mock.Server{}, Config{})
	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
}

func TestStart_CancelledDuringSettle(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	e := New(Config{SettleDelay: time.Hour}, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := e.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start error = %v, want context.DeadlineExceeded", err)
	}
	if !srv.Client(DefaultClientName).Closed() {
		t.Error("client left open")
	}
	if e.Running() {
		t.Error("Running() = true after cancelled start")
	}
}

func TestOnProcess_DecimatesIntoFrames(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	e := newTestEngine(t, srv, Config{})

	// 16 periods of 240 native samples are exactly one 16 kHz frame.
	for range 16 {
		cycle(t, srv, constant(240, 0.5))
	}
	f, ok := e.GetFrame(time.Second)
	if !ok {
		t.Fatal("GetFrame returned no frame")
	}
	if len(f) != 1280 {
		t.Fatalf("frame length = %d, want 1280", len(f))
	}
	for i, s := range f {
		if s != 16384 {
			t.Fatalf("frame[%d] = %d, want 16384", i, s)
		}
	}
	if got := e.Stats().Callbacks; got != 16 {
		t.Errorf("callbacks = %d, want 16", got)
	}
	if got := e.Stats().SamplesPushed; got != 1280 {
		t.Errorf("samples pushed = %d, want 1280", got)
	}
}

func TestOnProcess_FrameIgnoresMonitorGain(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	e := newTestEngine(t, srv, Config{MicGain: 4, MonitorEnabled: true})

	for range 16 {
		cycle(t, srv, constant(240, 0.25))
	}
	f, ok := e.GetFrame(time.Second)
	if !ok {
		t.Fatal("GetFrame returned no frame")
	}
	if f[0] != 8192 {
		t.Errorf("frame[0] = %d, want 8192 (raw capture, no gain)", f[0])
	}
}

func TestOnProcess_MonitorGainWithoutReverb(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	newTestEngine(t, srv, Config{MicGain: 2, MonitorEnabled: true})

	cycle(t, srv, constant(256, 0.25))
	c := srv.Client(DefaultClientName)
	for _, name := range []string{PortMonitorLeft, PortMonitorRight} {
		for i, v := range c.Port(name).Last(256) {
			if v != 0.5 {
				t.Fatalf("%s[%d] = %v, want 0.5", name, i, v)
			}
		}
	}
}

func TestOnProcess_MuteSilencesMonitor(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	e := newTestEngine(t, srv, Config{MonitorEnabled: true, ReverbWet: 0.3})
	c := srv.Client(DefaultClientName)

	// Prime the reverb so its tail would be audible after muting.
	for range 8 {
		cycle(t, srv, constant(256, 0.8))
	}

	e.Mute()
	if !e.Muted() {
		t.Fatal("Muted() = false after Mute")
	}
	for range 4 {
		cycle(t, srv, constant(256, 0.8))
		for _, name := range []string{PortMonitorLeft, PortMonitorRight} {
			for i, v := range c.Port(name).Last(256) {
				if v != 0 {
					t.Fatalf("muted %s[%d] = %v, want 0", name, i, v)
				}
			}
		}
	}

	e.Unmute()
	cycle(t, srv, constant(256, 0.8))
	var nonZero bool
	for _, v := range c.Port(PortMonitorLeft).Last(256) {
		if v != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Error("monitor still silent after Unmute")
	}
}

func TestOnProcess_MonitorDisabledIsSilent(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	newTestEngine(t, srv, Config{MonitorEnabled: false})

	cycle(t, srv, constant(256, 0.8))
	for i, v := range srv.Client(DefaultClientName).Port(PortMonitorLeft).Last(256) {
		if v != 0 {
			t.Fatalf("monitor_L[%d] = %v, want 0", i, v)
		}
	}
}

func TestOnProcess_MonitorClamped(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	newTestEngine(t, srv, Config{MicGain: 8, ReverbWet: 1, MonitorEnabled: true})

	for range 20 {
		cycle(t, srv, constant(256, 0.9))
	}
	for i, v := range srv.Client(DefaultClientName).Port(PortMonitorLeft).Recorded() {
		if v > 1 || v < -1 {
			t.Fatalf("monitor_L[%d] = %v, outside [-1,1]", i, v)
		}
	}
}

func TestOnShutdown_ReleasesWaiters(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	e := newTestEngine(t, srv, Config{})

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := e.GetFrame(0)
			results <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	srv.Client(DefaultClientName).Kill("server gone")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("frame waiters not released after server shutdown")
	}
	close(results)
	for ok := range results {
		if ok {
			t.Error("waiter received a frame after shutdown")
		}
	}

	if !errors.Is(e.Err(), ErrUnexpectedShutdown) {
		t.Errorf("Err() = %v, want ErrUnexpectedShutdown", e.Err())
	}
	if e.Running() {
		t.Error("Running() = true after server shutdown")
	}
	select {
	case <-e.Stopped():
	default:
		t.Error("Stopped() not closed")
	}

	start := time.Now()
	if _, ok := e.GetFrame(time.Second); ok {
		t.Error("GetFrame returned a frame after shutdown")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("GetFrame after shutdown took %v, want immediate", elapsed)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{}
	e := newTestEngine(t, srv, Config{})
	e.Shutdown()
	e.Shutdown()

	c := srv.Client(DefaultClientName)
	if !c.Closed() {
		t.Error("client not closed")
	}
	if c.CallCountClose != 1 {
		t.Errorf("Close called %d times, want 1", c.CallCountClose)
	}
	if e.Err() != nil {
		t.Errorf("Err() = %v after a requested shutdown, want nil", e.Err())
	}
	if err := e.PlayBuffer(context.Background(), constant(10, 0.1), 48000); !errors.Is(err, ErrNotRunning) {
		t.Errorf("PlayBuffer after Shutdown = %v, want ErrNotRunning", err)
	}
}

func TestPlayBuffer_UsesSeparateClient(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{AutoRun: time.Millisecond, Period: 256}
	e := newTestEngine(t, srv, Config{})

	if err := e.PlayPCM16(context.Background(), make([]int16, 2205), 22050); err != nil {
		t.Fatalf("PlayPCM16: %v", err)
	}

	var tts *mock.Client
	for _, c := range srv.Opened() {
		if strings.HasPrefix(c.Name(), playback.ClientPrefix) {
			tts = c
		}
	}
	if tts == nil {
		t.Fatal("no playback client opened")
	}
	if !tts.Closed() {
		t.Error("playback client left open")
	}
	if !e.Running() {
		t.Error("engine stopped by playback")
	}
	if srv.Client(DefaultClientName).Closed() {
		t.Error("main client closed by playback")
	}
}

func TestPlayBuffer_ReleasedByShutdown(t *testing.T) {
	t.Parallel()

	srv := &mock.Server{AutoRun: 5 * time.Millisecond, Period: 256}
	e := newTestEngine(t, srv, Config{})

	errc := make(chan error, 1)
	go func() { errc <- e.PlayBuffer(context.Background(), constant(10*48000, 0.1), 48000) }()

	// Let the playback client come up before stopping the engine.
	deadline := time.Now().Add(2 * time.Second)
	for !playbackActive(srv) {
		if time.Now().After(deadline) {
			t.Fatal("playback client never activated")
		}
		time.Sleep(time.Millisecond)
	}
	stoppedAt := time.Now()
	e.Shutdown()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrNotRunning) {
			t.Errorf("PlayBuffer = %v, want ErrNotRunning", err)
		}
		if waited := time.Since(stoppedAt); waited > time.Second {
			t.Errorf("PlayBuffer returned %s after Shutdown", waited)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("PlayBuffer still blocked after Shutdown")
	}
}

func playbackActive(srv *mock.Server) bool {
	for _, c := range srv.Opened() {
		if strings.HasPrefix(c.Name(), playback.ClientPrefix) && c.Active() {
			return true
		}
	}
	return false
}
