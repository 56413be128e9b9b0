package engine

import (
	"errors"

	"github.com/MrWong99/autokj/internal/audioserver"
	"github.com/MrWong99/autokj/internal/playback"
	"github.com/MrWong99/autokj/internal/supervisor"
)

// Every error the audio front end can surface. Callers match with
// [errors.Is] and [errors.As]; the sentinels below are the same values the
// producing packages return.
var (
	// ErrStartupTimeout means the audio server did not accept a client in
	// time. It is fatal to startup.
	ErrStartupTimeout = supervisor.ErrStartupTimeout

	// ErrUnexpectedShutdown means the audio server dropped the engine's
	// client. The engine stops, pending and future frame waits return
	// nothing, and [Engine.Err] reports it.
	ErrUnexpectedShutdown = errors.New("engine: audio server shut down unexpectedly")

	// ErrPlaybackTimeout means an injected playback did not complete in
	// time. It is returned from [Engine.PlayBuffer] and never stops the
	// engine.
	ErrPlaybackTimeout = playback.ErrPlaybackTimeout

	// ErrNotRunning is returned by operations that need a started engine.
	ErrNotRunning = errors.New("engine: not running")
)

// PortConnectionError is the warning produced when a port could not be
// wired. It is logged and collected in [Engine.Warnings], never returned
// from [Engine.Start].
type PortConnectionError = audioserver.ConnectError
