package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// coquiTTSPath is the synthesis endpoint of the Coqui TTS server.
const coquiTTSPath = "/api/tts"

// DefaultCoquiTimeout bounds one synthesis request.
const DefaultCoquiTimeout = 30 * time.Second

// Coqui synthesizes with a Coqui TTS server (ghcr.io/coqui-ai/tts) over its
// REST API. The server returns a WAV file per request.
type Coqui struct {
	// URL is the server base URL, e.g. "http://localhost:5002".
	URL string

	// Speaker and Language select the voice on multi-speaker and
	// multilingual models. Empty values use the model defaults.
	Speaker  string
	Language string

	// Client defaults to an [http.Client] with [DefaultCoquiTimeout].
	Client *http.Client
}

var _ Synthesizer = (*Coqui)(nil)

// Synthesize implements [Synthesizer].
func (c *Coqui) Synthesize(ctx context.Context, text string) ([]int16, int, error) {
	if c.URL == "" {
		return nil, 0, errors.New("coqui: no server url")
	}
	params := url.Values{}
	params.Set("text", text)
	if c.Speaker != "" {
		params.Set("speaker_id", c.Speaker)
	}
	if c.Language != "" {
		params.Set("language_id", c.Language)
	}

	reqURL := strings.TrimRight(c.URL, "/") + coquiTTSPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultCoquiTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("coqui: GET %s: %w", coquiTTSPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("coqui: GET %s returned status %d: %s", coquiTTSPath, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("coqui: read response: %w", err)
	}

	samples, rate, err := DecodeWAV(body)
	if err != nil {
		return nil, 0, fmt.Errorf("coqui: %w", err)
	}
	return samples, rate, nil
}
