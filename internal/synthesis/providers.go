package synthesis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const providerTimeout = 30 * time.Second

func defaultHTTPClient(hc *http.Client) *http.Client {
	if hc != nil {
		return hc
	}
	return &http.Client{Timeout: providerTimeout}
}

// Resemble synthesizes speech through the Resemble AI streaming endpoint.
// Available only when both the API key and project UUID are configured.
type Resemble struct {
	APIKey      string
	ProjectUUID string
	VoiceUUID   string // default voice when the request names none

	// BaseURL overrides the production endpoint, for tests.
	BaseURL string

	HTTPClient *http.Client
}

func (r *Resemble) Name() string { return "resemble" }

func (r *Resemble) Available() bool {
	return r.APIKey != "" && r.ProjectUUID != ""
}

func (r *Resemble) Synthesize(ctx context.Context, text, voice string) (*Audio, error) {
	if voice == "" {
		voice = r.VoiceUUID
	}

	base := r.BaseURL
	if base == "" {
		base = "https://f.cluster.resemble.ai"
	}

	body, err := json.Marshal(map[string]string{
		"project_uuid": r.ProjectUUID,
		"voice_uuid":   voice,
		"data":         text,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := defaultHTTPClient(r.HTTPClient).Do(req)
	if err != nil {
		return nil, fmt.Errorf("resemble request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resemble: status %d", resp.StatusCode)
	}

	var out struct {
		Success      bool   `json:"success"`
		AudioContent string `json:"audio_content"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding resemble response: %w", err)
	}
	if !out.Success || out.AudioContent == "" {
		return nil, fmt.Errorf("resemble: empty synthesis result")
	}

	data, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decoding resemble audio: %w", err)
	}
	return &Audio{Data: data, Format: "wav"}, nil
}

// OpenAI synthesizes speech through the OpenAI speech endpoint. Available
// when the API key is configured.
type OpenAI struct {
	APIKey string
	Model  string // default "tts-1"
	Voice  string // default "alloy"

	// BaseURL overrides the production endpoint, for tests.
	BaseURL string

	HTTPClient *http.Client
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Available() bool { return o.APIKey != "" }

func (o *OpenAI) Synthesize(ctx context.Context, text, voice string) (*Audio, error) {
	if voice == "" {
		voice = o.Voice
	}
	if voice == "" {
		voice = "alloy"
	}
	model := o.Model
	if model == "" {
		model = "tts-1"
	}

	base := o.BaseURL
	if base == "" {
		base = "https://api.openai.com"
	}

	body, err := json.Marshal(map[string]string{
		"model": model,
		"input": text,
		"voice": voice,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := defaultHTTPClient(o.HTTPClient).Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading openai audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("openai: empty synthesis result")
	}
	return &Audio{Data: data, Format: "mp3"}, nil
}

// translateMaxChars is the longest text the translate endpoint accepts per
// request; longer text is truncated.
const translateMaxChars = 200

// Translate synthesizes speech through the unauthenticated Google Translate
// TTS endpoint. It needs no credentials, which makes it the hard fallback at
// the end of the chain.
type Translate struct {
	Language string // default "en"

	// BaseURL overrides the production endpoint, for tests.
	BaseURL string

	HTTPClient *http.Client
}

func (t *Translate) Name() string { return "translate" }

func (t *Translate) Available() bool { return true }

func (t *Translate) Synthesize(ctx context.Context, text, _ string) (*Audio, error) {
	lang := t.Language
	if lang == "" {
		lang = "en"
	}
	runes := []rune(text)
	if len(runes) > translateMaxChars {
		text = string(runes[:translateMaxChars])
	}

	base := t.BaseURL
	if base == "" {
		base = "https://translate.google.com"
	}

	q := url.Values{
		"ie":     {"UTF-8"},
		"client": {"tw-ob"},
		"tl":     {lang},
		"q":      {text},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/translate_tts?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := defaultHTTPClient(t.HTTPClient).Do(req)
	if err != nil {
		return nil, fmt.Errorf("translate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("translate: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading translate audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("translate: empty synthesis result")
	}
	return &Audio{Data: data, Format: "mp3"}, nil
}
