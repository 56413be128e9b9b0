// Command autokj runs the karaoke host's real-time audio front end: it
// supervises jackd and zita-a2j, renders the microphone monitor, streams
// 16 kHz frames to speech consumers and speaks announcements.
//
// Usage:
//
//	autokj run   [--config path]      run until SIGINT or SIGTERM
//	autokj speak [--config path] text speak once through the running server
//	autokj probe                      exit 0 if the audio server is up
//	autokj version
package main

import (
	"fmt"
	"os"

	"github.com/MrWong99/autokj/internal/audioserver/jack"
)

func main() {
	if err := newRootCmd(jack.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "autokj: %v\n", err)
		os.Exit(1)
	}
}
