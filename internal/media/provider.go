package media

import (
	"context"
	"errors"
)

var ErrEmptyImage = errors.New("media: empty image")

// Image is one file handed over by the organizer at auction start.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Uploader stores an image with an external host and returns its public
// URL. Implementations must be safe for concurrent use.
type Uploader interface {
	Upload(ctx context.Context, img Image) (string, error)
}

type Config struct {
	CloudName    string
	UploadPreset string
	BaseURL      string
}

var ErrNotConfigured = errors.New("media: uploads are not configured")

// Disabled rejects every upload. It stands in when no host is configured so
// the server still starts and the organizer gets a clear error.
type Disabled struct{}

func (Disabled) Upload(context.Context, Image) (string, error) { return "", ErrNotConfigured }
