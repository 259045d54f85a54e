// Package blob defines the image-hosting contract consumed by the store,
// along with a Cloudinary-backed implementation.
package blob

import "context"

// Host externalizes image payloads. The store persists only the returned
// URL, never the raw bytes.
type Host interface {
	// Store uploads data and returns the URL it is served from.
	// Must not be called with empty data.
	Store(ctx context.Context, data []byte, contentType string) (string, error)

	// Fetch downloads the payload previously stored at url.
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// UploadError reports a failed upload to the host.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return "blob: upload failed: " + e.Err.Error() }

func (e *UploadError) Unwrap() error { return e.Err }

// FetchError reports a failed download from the host.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return "blob: fetch " + e.URL + ": " + e.Err.Error() }

func (e *FetchError) Unwrap() error { return e.Err }
