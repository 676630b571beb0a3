package cloudinary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	cld "github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"github.com/kiliankoe/callfold/internal/media"
)

// DefaultBaseURL is the SDK's upload prefix; tests point it elsewhere.
const DefaultBaseURL = "https://api.cloudinary.com"

// Client performs unsigned uploads against a Cloudinary upload preset.
type Client struct {
	BaseURL   string
	CloudName string
	Preset    string
	cld       *cld.Cloudinary
}

func New(cfg media.Config) (*Client, error) {
	if cfg.CloudName == "" || cfg.UploadPreset == "" {
		return nil, errors.New("cloudinary: cloud name and upload preset are required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	// unsigned uploads need neither API key nor secret
	c, err := cld.NewFromParams(cfg.CloudName, "", "")
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	base = strings.TrimRight(base, "/")
	c.Config.API.UploadPrefix = base
	return &Client{
		BaseURL:   base,
		CloudName: cfg.CloudName,
		Preset:    cfg.UploadPreset,
		cld:       c,
	}, nil
}

func (c *Client) Upload(ctx context.Context, img media.Image) (string, error) {
	if len(img.Data) == 0 {
		return "", media.ErrEmptyImage
	}
	res, err := c.cld.Upload.UnsignedUpload(ctx, bytes.NewReader(img.Data), c.Preset, uploader.UploadParams{})
	if err != nil {
		return "", fmt.Errorf("cloudinary upload %s: %w", img.Filename, err)
	}
	if res == nil {
		return "", errors.New("cloudinary: empty upload response")
	}
	if res.Error.Message != "" {
		return "", fmt.Errorf("cloudinary upload %s: %s", img.Filename, res.Error.Message)
	}
	if res.SecureURL == "" {
		return "", errors.New("cloudinary: response without secure_url")
	}
	return res.SecureURL, nil
}
