// Package mock provides an in-memory implementation of [audioserver.Server]
// for unit tests.
//
// The mock keeps a small port graph (by default two physical capture and two
// physical playback ports), records every client, port registration and
// connection, and lets tests drive the real-time callback either by hand with
// [Client.Cycle] or automatically by setting [Server.AutoRun].
//
// Typical usage:
//
//	srv := &mock.Server{}
//	c, _ := srv.Open("probe")
//	in, _ := c.RegisterPort("in", audioserver.Input)
//	_ = c.SetProcessor(p)
//	_ = c.Activate()
//	in.(*mock.Port).Fill(samples)
//	c.(*mock.Client).Cycle(len(samples))
package mock

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/MrWong99/autokj/internal/audioserver"
)

// PortInfo describes a port that exists in the graph before any client opens.
type PortInfo struct {
	Name      string
	Direction audioserver.Direction
	Physical  bool
}

// DefaultGraph is used when [Server.Graph] is nil.
var DefaultGraph = []PortInfo{
	{Name: "system:capture_1", Direction: audioserver.Output, Physical: true},
	{Name: "system:capture_2", Direction: audioserver.Output, Physical: true},
	{Name: "system:playback_1", Direction: audioserver.Input, Physical: true},
	{Name: "system:playback_2", Direction: audioserver.Input, Physical: true},
}

// ─── Server ───────────────────────────────────────────────────────────────────

// Server is a mock implementation of [audioserver.Server]. The zero value is
// ready to use. Set the exported fields before use; inspect the recorded
// fields afterwards.
type Server struct {
	mu sync.Mutex

	// Rate is reported by every client. Defaults to 48000.
	Rate int

	// Period is the block size used by AutoRun. Defaults to 256.
	Period int

	// AutoRun, when positive, makes every active client receive an
	// OnProcess(Period) call at this interval until it is deactivated.
	AutoRun time.Duration

	// Graph lists pre-existing ports. DefaultGraph is used when nil.
	Graph []PortInfo

	// OpenFailures makes the next N calls to Open fail with
	// [audioserver.ErrServerUnavailable].
	OpenFailures int

	// OpenError, when set, is returned by every Open call.
	OpenError error

	// ConnectError, when set, is returned by every Connect call.
	ConnectError error

	// OpenCalls records the name passed to each Open call, including
	// failed ones.
	OpenCalls []string

	// Clients records every successfully opened client in order.
	Clients []*Client
}

var _ audioserver.Server = (*Server)(nil)

// Open implements [audioserver.Server].
func (s *Server) Open(name string) (audioserver.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, name)
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if s.OpenFailures > 0 {
		s.OpenFailures--
		return nil, audioserver.ErrServerUnavailable
	}
	c := &Client{server: s, name: name}
	s.Clients = append(s.Clients, c)
	return c, nil
}

// Client returns the most recently opened client with the given name, or nil.
func (s *Server) Client(name string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.Clients) - 1; i >= 0; i-- {
		if s.Clients[i].name == name {
			return s.Clients[i]
		}
	}
	return nil
}

// Opened returns a snapshot of every successfully opened client.
func (s *Server) Opened() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Client(nil), s.Clients...)
}

// OpenCount returns how many times Open was called.
func (s *Server) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

func (s *Server) rate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate <= 0 {
		return 48000
	}
	return s.Rate
}

func (s *Server) autoRun() (time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	period := s.Period
	if period <= 0 {
		period = 256
	}
	return s.AutoRun, period
}

// graph returns every port currently known, pre-existing ports first.
func (s *Server) graph() []PortInfo {
	s.mu.Lock()
	g := s.Graph
	if g == nil {
		g = DefaultGraph
	}
	out := append([]PortInfo(nil), g...)
	clients := append([]*Client(nil), s.Clients...)
	s.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		if !c.closed {
			for _, p := range c.ports {
				out = append(out, PortInfo{Name: p.name, Direction: p.dir})
			}
		}
		c.mu.Unlock()
	}
	return out
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Connection records one successful Connect call.
type Connection struct {
	Src, Dst string
}

// Client is a mock implementation of [audioserver.Client].
type Client struct {
	server *Server
	name   string

	mu        sync.Mutex
	processor audioserver.Processor
	ports     []*Port
	active    bool
	closed    bool
	stop      chan struct{}
	wg        sync.WaitGroup

	// Connections records successful Connect calls.
	Connections []Connection

	// CallCountActivate records how many times Activate was called.
	CallCountActivate int

	// CallCountDeactivate records how many times Deactivate was called.
	CallCountDeactivate int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Cycles counts OnProcess invocations delivered to the processor.
	Cycles int
}

var _ audioserver.Client = (*Client)(nil)

// Name implements [audioserver.Client].
func (c *Client) Name() string { return c.name }

// SampleRate implements [audioserver.Client].
func (c *Client) SampleRate() int { return c.server.rate() }

// RegisterPort implements [audioserver.Client].
func (c *Client) RegisterPort(name string, dir audioserver.Direction) (audioserver.Port, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := c.name + ":" + name
	for _, p := range c.ports {
		if p.name == full {
			return nil, fmt.Errorf("mock: port %q already registered", full)
		}
	}
	p := &Port{name: full, dir: dir}
	c.ports = append(c.ports, p)
	return p, nil
}

// SetProcessor implements [audioserver.Client].
func (c *Client) SetProcessor(p audioserver.Processor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return fmt.Errorf("mock: SetProcessor on active client %q", c.name)
	}
	c.processor = p
	return nil
}

// Activate implements [audioserver.Client]. When the server has AutoRun set,
// a goroutine starts delivering periodic callbacks.
func (c *Client) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountActivate++
	if c.closed {
		return fmt.Errorf("mock: activate closed client %q", c.name)
	}
	if c.active {
		return nil
	}
	c.active = true
	if interval, period := c.server.autoRun(); interval > 0 {
		c.stop = make(chan struct{})
		c.wg.Add(1)
		go c.run(interval, period, c.stop)
	}
	return nil
}

func (c *Client) run(interval time.Duration, period int, stop <-chan struct{}) {
	defer c.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.Cycle(period)
		}
	}
}

// Deactivate implements [audioserver.Client]. It waits for a running AutoRun
// goroutine, so no callback is delivered after it returns.
func (c *Client) Deactivate() error {
	c.mu.Lock()
	c.CallCountDeactivate++
	c.active = false
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.wg.Wait()
	return nil
}

// Close implements [audioserver.Client].
func (c *Client) Close() error {
	_ = c.Deactivate()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.closed = true
	return nil
}

// Ports implements [audioserver.Client].
func (c *Client) Ports(q audioserver.PortQuery) []string {
	var re *regexp.Regexp
	if q.Pattern != "" {
		var err error
		if re, err = regexp.Compile(q.Pattern); err != nil {
			return nil
		}
	}
	var out []string
	for _, p := range c.server.graph() {
		if p.Direction != q.Direction {
			continue
		}
		if q.Physical && !p.Physical {
			continue
		}
		if re != nil && !re.MatchString(p.Name) {
			continue
		}
		out = append(out, p.Name)
	}
	return out
}

// Connect implements [audioserver.Client].
func (c *Client) Connect(src, dst string) error {
	c.server.mu.Lock()
	err := c.server.ConnectError
	c.server.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connections = append(c.Connections, Connection{Src: src, Dst: dst})
	return nil
}

// Cycle delivers one OnProcess(nframes) call to the installed processor if
// the client is active, then records the contents of every output port.
func (c *Client) Cycle(nframes int) {
	c.mu.Lock()
	p := c.processor
	active := c.active
	ports := append([]*Port(nil), c.ports...)
	c.mu.Unlock()
	if p == nil || !active {
		return
	}

	p.OnProcess(nframes)

	c.mu.Lock()
	c.Cycles++
	c.mu.Unlock()
	for _, port := range ports {
		if port.dir == audioserver.Output {
			port.record(nframes)
		}
	}
}

// Kill simulates the server shutting the client down.
func (c *Client) Kill(reason string) {
	c.mu.Lock()
	p := c.processor
	c.mu.Unlock()
	if p != nil {
		p.OnShutdown(reason)
	}
}

// Port returns the registered port with the short name, or nil.
func (c *Client) Port(short string) *Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.ports {
		if p.name == c.name+":"+short {
			return p
		}
	}
	return nil
}

// Active reports whether the client is activated.
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ConnectionsSnapshot returns a copy of the recorded connections.
func (c *Client) ConnectionsSnapshot() []Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Connection(nil), c.Connections...)
}

// ─── Port ─────────────────────────────────────────────────────────────────────

// Port is a mock implementation of [audioserver.Port].
type Port struct {
	name string
	dir  audioserver.Direction

	mu       sync.Mutex
	buf      []float32
	recorded []float32
}

var _ audioserver.Port = (*Port)(nil)

// Name implements [audioserver.Port].
func (p *Port) Name() string { return p.name }

// Buffer implements [audioserver.Port]. Input buffers keep whatever Fill
// stored; output buffers are handed out as-is for the processor to overwrite.
func (p *Port) Buffer(nframes int) []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cap(p.buf) < nframes {
		nb := make([]float32, nframes)
		copy(nb, p.buf)
		p.buf = nb
	}
	return p.buf[:nframes]
}

// Fill sets the samples the next Buffer call returns. Use it on input ports
// before [Client.Cycle].
func (p *Port) Fill(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cap(p.buf) < len(samples) {
		p.buf = make([]float32, len(samples))
	}
	p.buf = p.buf[:cap(p.buf)]
	clear(p.buf)
	copy(p.buf, samples)
}

// Recorded returns a copy of everything written to this output port across
// all cycles.
func (p *Port) Recorded() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float32(nil), p.recorded...)
}

// Last returns a copy of the most recent period written to this port.
func (p *Port) Last(nframes int) []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if nframes > len(p.recorded) {
		nframes = len(p.recorded)
	}
	return append([]float32(nil), p.recorded[len(p.recorded)-nframes:]...)
}

func (p *Port) record(nframes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(nframes, len(p.buf))
	p.recorded = append(p.recorded, p.buf[:n]...)
}
