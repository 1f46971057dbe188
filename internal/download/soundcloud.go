// Package download resolves SoundCloud track links to audio files through
// sclouddownloader.net and stores them as temporary files.
package download

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
)

const (
	DefaultBaseURL   = "https://sclouddownloader.net"
	DefaultUserAgent = "Mozilla/5.0"
	DefaultTimeout   = 10 * time.Minute
)

// Error is a failed download. Status is the upstream HTTP status when one was received.
type Error struct {
	URL     string
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("download %s: %s", e.URL, e.Message)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

type SoundCloud struct {
	BaseURL   string
	TempDir   string
	UserAgent string
	Client    *http.Client
}

func NewSoundCloud(baseURL, tempDir string, timeout time.Duration) *SoundCloud {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SoundCloud{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		TempDir:   tempDir,
		UserAgent: DefaultUserAgent,
		Client:    &http.Client{Timeout: timeout},
	}
}

// Fetch downloads the track behind trackURL into a new temporary .mp3 file
// and returns its path. The caller owns the file.
func (s *SoundCloud) Fetch(ctx context.Context, trackURL string) (string, error) {
	u, err := url.Parse(trackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &Error{URL: trackURL, Message: "invalid track URL", Cause: err}
	}

	token, err := s.csrfToken(ctx, trackURL)
	if err != nil {
		return "", err
	}

	audioURL, title, err := s.resolve(ctx, trackURL, token)
	if err != nil {
		return "", err
	}

	start := time.Now()
	path, n, err := s.save(ctx, trackURL, audioURL)
	if err != nil {
		return "", err
	}
	log.Printf("download track=%q bytes=%d cost=%s", title, n, time.Since(start))
	return path, nil
}

func (s *SoundCloud) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Origin", s.BaseURL)
	req.Header.Set("Referer", s.BaseURL+"/")
	req.Header.Set("User-Agent", s.UserAgent)
}

// csrfToken loads the landing page and returns its form token.
func (s *SoundCloud) csrfToken(ctx context.Context, trackURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/", nil)
	if err != nil {
		return "", &Error{URL: trackURL, Message: "failed to create request", Cause: err}
	}
	s.setHeaders(req)

	doc, err := s.document(req, trackURL)
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(doc.Find(`input[name="csrfmiddlewaretoken"]`).AttrOr("value", ""))
	if token == "" {
		return "", &Error{URL: trackURL, Message: "csrf token not found on landing page"}
	}
	return token, nil
}

// resolve submits the track to the downloader form and returns the direct
// audio link and the track title.
func (s *SoundCloud) resolve(ctx context.Context, trackURL, token string) (string, string, error) {
	form := url.Values{
		"csrfmiddlewaretoken": {token},
		"url":                 {trackURL},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/download-sound-track", strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", &Error{URL: trackURL, Message: "failed to create request", Cause: err}
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", "csrftoken="+token)

	doc, err := s.document(req, trackURL)
	if err != nil {
		return "", "", err
	}

	title := strings.TrimSpace(doc.Find("p#trackTitle").First().Text())
	href, ok := doc.Find("a#trackLink").First().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return "", "", &Error{URL: trackURL, Message: "track download link not found"}
	}

	base, err := url.Parse(s.BaseURL + "/")
	if err != nil {
		return "", "", &Error{URL: trackURL, Message: "invalid downloader base URL", Cause: err}
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", "", &Error{URL: trackURL, Message: "invalid track download link", Cause: err}
	}
	return base.ResolveReference(ref).String(), title, nil
}

func (s *SoundCloud) document(req *http.Request, trackURL string) (*goquery.Document, error) {
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &Error{URL: trackURL, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{URL: trackURL, Status: resp.StatusCode, Message: "unexpected response from " + req.URL.Path}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &Error{URL: trackURL, Message: "failed to parse HTML", Cause: err}
	}
	return doc, nil
}

// save streams audioURL into a fresh temp file. Nothing is left on disk on failure.
func (s *SoundCloud) save(ctx context.Context, trackURL, audioURL string) (path string, n int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", 0, &Error{URL: trackURL, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", 0, &Error{URL: trackURL, Message: "audio request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, &Error{URL: trackURL, Status: resp.StatusCode, Message: "audio download rejected"}
	}

	dir := s.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	path = filepath.Join(dir, "track-"+uuid.NewString()+".mp3")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, &Error{URL: trackURL, Message: "failed to create temp file", Cause: err}
	}

	n, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, &Error{URL: trackURL, Message: "failed to write audio", Cause: err}
	}
	if n == 0 {
		_ = os.Remove(path)
		return "", 0, &Error{URL: trackURL, Message: "empty audio response"}
	}
	return path, n, nil
}
