package masker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/slok/photomesh/internal/log"
	"github.com/slok/photomesh/internal/model"
)

// DefaultAPIURL is the background removal segmentation endpoint.
const DefaultAPIURL = "https://sdk.photoroom.com/v1/segment"

const (
	defaultMaxRetries = 3
	defaultTimeout    = 90 * time.Second

	serverErrorBackoff = 2 * time.Second
	timeoutBackoff     = 2 * time.Second
	connErrorBackoff   = 3 * time.Second
)

// ClientConfig is the configuration for the background removal client.
type ClientConfig struct {
	// APIKey authenticates against the segmentation API.
	APIKey string
	// APIURL overrides the segmentation endpoint (tests, proxies).
	APIURL string
	// Channels selects binary alpha masks or full RGBA cutouts.
	Channels model.MaskChannels
	// MaxRetries bounds the attempts per image.
	MaxRetries int
	// Timeout bounds each attempt's network call.
	Timeout time.Duration
	// Sleep is the backoff sleeper, replaceable in tests.
	Sleep  func(time.Duration)
	Logger log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.Channels == "" {
		c.Channels = model.MaskChannelsAlpha
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "masker.Client"})
	return nil
}

// Client removes image backgrounds through an external segmentation API,
// with bounded retries and atomic output writes. Retry exhaustion and
// permanent API errors are reported as a false return, never as an error:
// masking is an optimization, not a hard dependency of the pipeline.
type Client struct {
	apiKey     string
	apiURL     string
	channels   model.MaskChannels
	maxRetries int
	timeout    time.Duration
	sleep      func(time.Duration)
	logger     log.Logger
}

// NewClient creates a new background removal client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		apiKey:     cfg.APIKey,
		apiURL:     cfg.APIURL,
		channels:   cfg.Channels,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
		sleep:      cfg.Sleep,
		logger:     cfg.Logger,
	}, nil
}

// RemoveOne removes the background from a single image, writing the result
// PNG at outputPath. It reports success; all failure modes are retried or
// swallowed according to the retry policy.
func (c *Client) RemoveOne(ctx context.Context, inputPath, outputPath string) bool {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		c.logger.Errorf("Could not read %s: %v", inputPath, err)
		return false
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		ok, retry := c.attempt(ctx, filepath.Base(inputPath), data, outputPath, attempt)
		if ok {
			return true
		}
		if !retry {
			return false
		}
	}

	c.logger.Warningf("Giving up on %s after %d attempts", filepath.Base(inputPath), c.maxRetries)
	return false
}

// attempt performs one API call. It returns (success, retryable).
func (c *Client) attempt(ctx context.Context, filename string, data []byte, outputPath string, attempt int) (bool, bool) {
	resp, err := c.post(ctx, filename, data)
	if err != nil {
		if isTimeout(err) {
			c.logger.Warningf("Timeout on %s (attempt %d/%d), backing off %s", filename, attempt+1, c.maxRetries, timeoutBackoff)
			c.sleep(timeoutBackoff)
			return false, true
		}
		c.logger.Warningf("Connection error on %s (attempt %d/%d): %v, backing off %s", filename, attempt+1, c.maxRetries, err, connErrorBackoff)
		c.sleep(connErrorBackoff)
		return false, true
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		err := c.writeAtomic(resp.Body, outputPath)
		if err != nil {
			c.logger.Warningf("Could not persist result for %s: %v", filename, err)
			return false, true
		}
		return true, false

	case resp.StatusCode == http.StatusTooManyRequests:
		// Exponential backoff against the rate limiter.
		wait := time.Duration(1<<(attempt+1)) * time.Second
		c.logger.Warningf("Rate limited on %s, backing off %s", filename, wait)
		c.sleep(wait)
		return false, true

	case resp.StatusCode >= 500:
		c.logger.Warningf("Server error %d on %s, backing off %s", resp.StatusCode, filename, serverErrorBackoff)
		c.sleep(serverErrorBackoff)
		return false, true

	default:
		// Other client errors are permanent: no retry.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		c.logger.Errorf("API rejected %s: %d - %s", filename, resp.StatusCode, strings.TrimSpace(string(body)))
		return false, false
	}
}

// post sends the image with a fresh session per call so connection state
// never leaks across attempts or images.
func (c *Client) post(ctx context.Context, filename string, data []byte) (*http.Response, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("image_file", filename)
	if err != nil {
		return nil, fmt.Errorf("could not create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("could not write form file: %w", err)
	}
	if err := mw.WriteField("format", "png"); err != nil {
		return nil, fmt.Errorf("could not write format field: %w", err)
	}
	if err := mw.WriteField("channels", string(c.channels)); err != nil {
		return nil, fmt.Errorf("could not write channels field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("could not finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, &body)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := &http.Client{Timeout: c.timeout}
	return client.Do(req)
}

// writeAtomic stages the response into a temp file and renames it into place
// only when non-empty, so a partially-written or empty file can never be
// mistaken for a valid mask.
func (c *Client) writeAtomic(r io.Reader, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("could not create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".mask-*.png.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("could not write temp file: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("empty response body")
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("could not move result into place: %w", err)
	}

	return nil
}

// ProcessDirectory masks every file matching pattern under inputDir, in
// deterministic sorted order, writing <stem>.png files into outputDir.
func (c *Client) ProcessDirectory(ctx context.Context, inputDir, outputDir, pattern string) model.MaskBatch {
	matches, err := filepath.Glob(filepath.Join(inputDir, pattern))
	if err != nil {
		return model.MaskBatch{Error: fmt.Sprintf("invalid pattern: %v", err)}
	}
	sort.Strings(matches)

	if len(matches) == 0 {
		return model.MaskBatch{Error: "no images found to process"}
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return model.MaskBatch{Error: fmt.Sprintf("could not create output dir: %v", err)}
	}

	processed, failed := 0, 0
	for i, inputPath := range matches {
		c.logger.Infof("Masking %s (%d/%d)", filepath.Base(inputPath), i+1, len(matches))

		stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
		outputPath := filepath.Join(outputDir, stem+".png")

		if c.RemoveOne(ctx, inputPath, outputPath) {
			processed++
		} else {
			failed++
		}
	}

	c.logger.Infof("Background removal done: %d succeeded, %d failed", processed, failed)

	batch := model.MaskBatch{
		Success:        processed > 0,
		PartialSuccess: processed > 0 && failed > 0,
		Processed:      processed,
		Failed:         failed,
		Total:          len(matches),
	}
	if processed == 0 {
		batch.Error = fmt.Sprintf("all %d image(s) failed background removal", len(matches))
	}
	return batch
}

// isTimeout reports whether the error is a deadline/timeout failure rather
// than a connection failure.
func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
