package blob

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// CloudinaryConfig holds credentials and limits for the Cloudinary client.
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string

	// Timeout bounds each HTTP call. Default: 30s.
	Timeout time.Duration

	// MaxFetchSize caps downloaded payloads in bytes. Default: 10 MiB.
	MaxFetchSize int64
}

// ConfigFromEnv loads CloudinaryConfig from CLOUDINARY_CLOUD_NAME,
// CLOUDINARY_API_KEY and CLOUDINARY_API_SECRET. All three are required.
func ConfigFromEnv() (CloudinaryConfig, error) {
	cfg := CloudinaryConfig{
		CloudName: os.Getenv("CLOUDINARY_CLOUD_NAME"),
		APIKey:    os.Getenv("CLOUDINARY_API_KEY"),
		APISecret: os.Getenv("CLOUDINARY_API_SECRET"),
	}

	var missing []string
	if cfg.CloudName == "" {
		missing = append(missing, "CLOUDINARY_CLOUD_NAME")
	}
	if cfg.APIKey == "" {
		missing = append(missing, "CLOUDINARY_API_KEY")
	}
	if cfg.APISecret == "" {
		missing = append(missing, "CLOUDINARY_API_SECRET")
	}
	if len(missing) > 0 {
		return CloudinaryConfig{}, fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

func (c *CloudinaryConfig) validate() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxFetchSize <= 0 {
		c.MaxFetchSize = 10 << 20
	}
}

// Cloudinary implements Host against the Cloudinary upload API.
type Cloudinary struct {
	config   CloudinaryConfig
	upload   *http.Client
	download *http.Client
	baseURL  string
	now      func() time.Time
}

// NewCloudinary creates a Cloudinary client. Downloads use an SSRF-guarded
// client so stored URLs can never be redirected at internal addresses.
func NewCloudinary(cfg CloudinaryConfig) *Cloudinary {
	cfg.validate()

	guardCfg := safeurl.GetConfigBuilder().
		SetTimeout(cfg.Timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return &Cloudinary{
		config:   cfg,
		upload:   &http.Client{Timeout: cfg.Timeout},
		download: safeurl.Client(guardCfg).Client,
		baseURL:  "https://api.cloudinary.com/v1_1/" + cfg.CloudName,
		now:      time.Now,
	}
}

// NewCloudinaryWithClient creates a Cloudinary client that uses client for
// every HTTP call. Intended for tests; the SSRF guard blocks loopback
// addresses, which is exactly where httptest servers listen.
func NewCloudinaryWithClient(cfg CloudinaryConfig, baseURL string, client *http.Client) *Cloudinary {
	cfg.validate()
	return &Cloudinary{
		config:   cfg,
		upload:   client,
		download: client,
		baseURL:  baseURL,
		now:      time.Now,
	}
}

type uploadResponse struct {
	SecureURL string `json:"secure_url"`
	Error     struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Store uploads data as a signed base64 data-URI upload and returns the
// secure URL Cloudinary serves it from.
func (c *Cloudinary) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", &UploadError{Err: fmt.Errorf("empty payload")}
	}
	if contentType == "" {
		contentType = "image/png"
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := map[string]string{
		"file":      "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
		"timestamp": timestamp,
		"api_key":   c.config.APIKey,
		"signature": c.sign("timestamp=" + timestamp),
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return "", &UploadError{Err: err}
		}
	}
	if err := form.Close(); err != nil {
		return "", &UploadError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/image/upload", &body)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.upload.Do(req)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	defer resp.Body.Close()

	var result uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &UploadError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		msg := result.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return "", &UploadError{Err: fmt.Errorf("cloudinary: %s", msg)}
	}
	if result.SecureURL == "" {
		return "", &UploadError{Err: fmt.Errorf("cloudinary: response missing secure_url")}
	}

	return result.SecureURL, nil
}

// Fetch downloads the payload at url with a bounded body read.
func (c *Cloudinary) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxFetchSize+1))
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	if int64(len(data)) > c.config.MaxFetchSize {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("payload exceeds %d bytes", c.config.MaxFetchSize)}
	}

	return data, nil
}

// Remove destroys the asset at url. Used by the stream cleanup handler to
// reclaim blobs whose metadata records are gone.
func (c *Cloudinary) Remove(ctx context.Context, url string) error {
	publicID := publicIDFromURL(url)
	if publicID == "" {
		return &UploadError{Err: fmt.Errorf("cannot derive public id from %q", url)}
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := map[string]string{
		"public_id": publicID,
		"timestamp": timestamp,
		"api_key":   c.config.APIKey,
		"signature": c.sign("public_id=" + publicID + "&timestamp=" + timestamp),
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return &UploadError{Err: err}
		}
	}
	if err := form.Close(); err != nil {
		return &UploadError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/image/destroy", &body)
	if err != nil {
		return &UploadError{Err: err}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.upload.Do(req)
	if err != nil {
		return &UploadError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &UploadError{Err: fmt.Errorf("cloudinary: destroy returned %s", resp.Status)}
	}
	return nil
}

// sign computes the Cloudinary API request signature: the SHA-1 hex digest
// of the sorted parameter string followed by the API secret.
func (c *Cloudinary) sign(params string) string {
	sum := sha1.Sum([]byte(params + c.config.APISecret))
	return hex.EncodeToString(sum[:])
}

// publicIDFromURL extracts the Cloudinary public id from a delivery URL:
// the final path segment with its format extension removed.
func publicIDFromURL(url string) string {
	base := path.Base(url)
	if base == "." || base == "/" {
		return ""
	}
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
