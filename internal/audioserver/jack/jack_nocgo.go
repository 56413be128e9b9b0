//go:build !cgo

package jack

import (
	"fmt"

	"github.com/MrWong99/autokj/internal/audioserver"
)

// Server is the stub used when CGo is disabled.
type Server struct{}

var _ audioserver.Server = Server{}

// New returns a stub [Server].
func New() Server { return Server{} }

// Open always fails: JACK support requires CGo.
func (Server) Open(name string) (audioserver.Client, error) {
	return nil, fmt.Errorf("%w: open client %q: built without cgo", audioserver.ErrServerUnavailable, name)
}
