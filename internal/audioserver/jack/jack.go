//go:build cgo

// Package jack binds [audioserver.Server] to a running JACK server through
// libjack.
//
// Build requirements: CGo enabled and the JACK development headers installed
// (libjack-jackd2-dev on Debian). Without CGo the package compiles to a stub
// whose Open always fails.
package jack

import (
	"fmt"
	"sync"
	"unsafe"

	gojack "github.com/xthexder/go-jack"

	"github.com/MrWong99/autokj/internal/audioserver"
)

// Server opens JACK clients. It never starts a JACK server itself.
type Server struct{}

var _ audioserver.Server = Server{}

// New returns a JACK [Server].
func New() Server { return Server{} }

// Open implements [audioserver.Server].
func (Server) Open(name string) (audioserver.Client, error) {
	c, code := gojack.ClientOpen(name, gojack.NoStartServer)
	if c == nil || code != 0 {
		return nil, fmt.Errorf("%w: open client %q: %v", audioserver.ErrServerUnavailable, name, gojack.StrError(code))
	}
	return &client{c: c}, nil
}

type client struct {
	c *gojack.Client

	mu     sync.Mutex
	closed bool
}

func (c *client) Name() string { return c.c.GetName() }

func (c *client) SampleRate() int { return int(c.c.GetSampleRate()) }

func (c *client) RegisterPort(name string, dir audioserver.Direction) (audioserver.Port, error) {
	p := c.c.PortRegister(name, gojack.DEFAULT_AUDIO_TYPE, portFlags(dir), 0)
	if p == nil {
		return nil, fmt.Errorf("jack: register port %q on %q failed", name, c.Name())
	}
	return &port{p: p}, nil
}

func (c *client) SetProcessor(p audioserver.Processor) error {
	if code := c.c.SetProcessCallback(func(nframes uint32) int {
		p.OnProcess(int(nframes))
		return 0
	}); code != 0 {
		return fmt.Errorf("jack: set process callback: %v", gojack.StrError(code))
	}
	c.c.OnShutdown(func() {
		p.OnShutdown("jack server shut down")
	})
	return nil
}

func (c *client) Activate() error {
	if code := c.c.Activate(); code != 0 {
		return fmt.Errorf("jack: activate %q: %v", c.Name(), gojack.StrError(code))
	}
	return nil
}

func (c *client) Deactivate() error {
	if code := c.c.Deactivate(); code != 0 {
		return fmt.Errorf("jack: deactivate %q: %v", c.Name(), gojack.StrError(code))
	}
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if code := c.c.Close(); code != 0 {
		return fmt.Errorf("jack: close client: %v", gojack.StrError(code))
	}
	return nil
}

func (c *client) Ports(q audioserver.PortQuery) []string {
	flags := portFlags(q.Direction)
	if q.Physical {
		flags |= uint64(gojack.PortIsPhysical)
	}
	return c.c.GetPorts(q.Pattern, gojack.DEFAULT_AUDIO_TYPE, flags)
}

func (c *client) Connect(src, dst string) error {
	if code := c.c.Connect(src, dst); code != 0 {
		return &audioserver.ConnectError{Src: src, Dst: dst, Err: fmt.Errorf("%v", gojack.StrError(code))}
	}
	return nil
}

type port struct {
	p *gojack.Port
}

func (p *port) Name() string { return p.p.GetName() }

// Buffer reinterprets JACK's sample buffer in place. AudioSample is a
// float32, so no copy is made on the real-time thread.
func (p *port) Buffer(nframes int) []float32 {
	buf := p.p.GetBuffer(uint32(nframes))
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&buf[0])), len(buf))
}

func portFlags(dir audioserver.Direction) uint64 {
	if dir == audioserver.Output {
		return uint64(gojack.PortIsOutput)
	}
	return uint64(gojack.PortIsInput)
}
