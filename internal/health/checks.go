package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Runner is satisfied by the audio client.
type Runner interface {
	Running() bool
	Err() error
}

// Liveness is satisfied by the process supervisor.
type Liveness interface {
	Alive() bool
}

// ClientRunning fails when r is not running, reporting the error it stopped
// with if any.
func ClientRunning(name string, r Runner) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if r.Running() {
				return nil
			}
			if err := r.Err(); err != nil {
				return err
			}
			return errors.New("not running")
		},
	}
}

// ProcessesAlive fails when any supervised process has exited.
func ProcessesAlive(name string, l Liveness) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !l.Alive() {
				return errors.New("supervised process exited")
			}
			return nil
		},
	}
}

// AdvanceInterval is the shortest span over which [Advancing] judges a
// counter. Checks closer together than this reuse the last verdict, so two
// readiness requests landing inside one audio period never read as a stall.
const AdvanceInterval = 250 * time.Millisecond

// Advancing fails when counter has not increased over the last
// [AdvanceInterval]. It detects a stalled real-time callback: the client looks
// connected but the server has stopped driving it. The first check only
// records the value.
func Advancing(name string, counter func() uint64) Checker {
	return advancing(name, counter, AdvanceInterval, time.Now)
}

func advancing(name string, counter func() uint64, interval time.Duration, now func() time.Time) Checker {
	var (
		mu      sync.Mutex
		last    uint64
		sampled time.Time
		verdict error
	)
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			v := counter()
			t := now()
			mu.Lock()
			defer mu.Unlock()
			if !sampled.IsZero() && t.Sub(sampled) < interval {
				return verdict
			}
			prev, first := last, sampled.IsZero()
			last, sampled = v, t
			verdict = nil
			if !first && v == prev {
				verdict = fmt.Errorf("stalled at %d", v)
			}
			return verdict
		},
	}
}
