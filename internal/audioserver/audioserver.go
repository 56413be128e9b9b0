// Package audioserver defines the narrow interface autokj needs from a
// callback-driven, low-latency audio server (JACK).
//
// The server invokes a registered [Processor] once per period on its own
// real-time thread and notifies it when the server goes away. Concrete
// bindings live in sub-packages (audioserver/jack) so that everything else,
// including all tests, builds without cgo. Tests use audioserver/mock.
package audioserver

import (
	"errors"
	"fmt"
)

// ErrServerUnavailable is returned by [Server.Open] when no server is running.
var ErrServerUnavailable = errors.New("audioserver: server unavailable")

// Direction is the data direction of a port, seen from its owning client.
type Direction int

const (
	// Input ports receive audio (for example a capture port).
	Input Direction = iota

	// Output ports emit audio (for example monitor or playback ports).
	Output
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// Processor receives real-time callbacks from a [Client].
//
// OnProcess runs on the server's real-time thread. Implementations must not
// block, take contended locks, perform I/O, or allocate without bound.
type Processor interface {
	// OnProcess renders or consumes one period of nframes samples per port.
	OnProcess(nframes int)

	// OnShutdown is called when the server shuts the client down without
	// the client asking for it.
	OnShutdown(reason string)
}

// Port is a registered mono audio port.
type Port interface {
	// Name returns the full "client:port" name.
	Name() string

	// Buffer returns the port's sample buffer for the current period. It is
	// only valid inside [Processor.OnProcess].
	Buffer(nframes int) []float32
}

// PortQuery selects ports in the server graph.
type PortQuery struct {
	// Pattern is a regular expression matched against full port names.
	// Empty matches every port.
	Pattern string

	// Direction filters on the port's own direction.
	Direction Direction

	// Physical restricts the result to hardware ports.
	Physical bool
}

// Client is one connection to the audio server.
type Client interface {
	// Name returns the (possibly server-uniquified) client name.
	Name() string

	// SampleRate returns the server's sample rate in Hz.
	SampleRate() int

	// RegisterPort creates a mono audio port on this client.
	RegisterPort(name string, dir Direction) (Port, error)

	// SetProcessor installs the real-time callbacks. It must be called before
	// Activate.
	SetProcessor(p Processor) error

	// Activate starts real-time processing.
	Activate() error

	// Deactivate stops real-time processing. No callback runs after it
	// returns.
	Deactivate() error

	// Close releases the client. Close implies Deactivate.
	Close() error

	// Ports lists port names matching q in graph order.
	Ports(q PortQuery) []string

	// Connect wires the output port src to the input port dst.
	Connect(src, dst string) error
}

// Server opens clients on a running audio server. Open never starts a
// server on its own.
type Server interface {
	Open(name string) (Client, error)
}

// ConnectError describes a failed port connection. Connection failures are
// non-fatal: callers log them as warnings and continue degraded.
type ConnectError struct {
	Src, Dst string
	Err      error
}

// Error implements error.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("audioserver: connect %s -> %s: %v", e.Src, e.Dst, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error { return e.Err }

// ErrNoPort is wrapped in a [ConnectError] when a port to connect to could
// not be found.
var ErrNoPort = errors.New("no matching port")
