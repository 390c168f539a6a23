package facematch

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxImageBytes caps the size of a fetched image.
const DefaultMaxImageBytes = 20 << 20

// Source loads image bytes from data: URLs and http(s) URLs.
type Source struct {
	client   *http.Client
	maxBytes int64
}

// NewSource creates a source. A nil client uses one with a 30 second timeout.
func NewSource(client *http.Client) *Source {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Source{client: client, maxBytes: DefaultMaxImageBytes}
}

// Fetch returns the encoded image behind src.
func (s *Source) Fetch(ctx context.Context, src string) ([]byte, error) {
	switch {
	case strings.HasPrefix(src, "data:"):
		return DecodeDataURL(src)
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return s.fetchHTTP(ctx, src)
	default:
		return nil, fmt.Errorf("%w: %.40q", ErrUnsupportedSource, src)
	}
}

func (s *Source) fetchHTTP(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", s.maxBytes)
	}
	return data, nil
}

// Dimensions fetches src and returns its pixel size without decoding the pixels.
func (s *Source) Dimensions(ctx context.Context, src string) (width, height int, err error) {
	data, err := s.Fetch(ctx, src)
	if err != nil {
		return 0, 0, err
	}
	return DecodeDimensions(data)
}

// DecodeDimensions reads the image header of data.
func DecodeDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrUndecodableImage, err)
	}
	return cfg.Width, cfg.Height, nil
}

// CheckDimensions rejects images with either side below minDimension.
func CheckDimensions(data []byte, minDimension int) error {
	w, h, err := DecodeDimensions(data)
	if err != nil {
		return err
	}
	if w < minDimension || h < minDimension {
		return fmt.Errorf("%w: %dx%d (minimum %d)", ErrImageTooSmall, w, h, minDimension)
	}
	return nil
}

// DecodeDataURL returns the payload of a data: URL.
func DecodeDataURL(src string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: data URL without payload", ErrUnsupportedSource)
	}

	if strings.HasSuffix(meta, ";base64") {
		payload = strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, payload)
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			if data, err := enc.DecodeString(payload); err == nil {
				return data, nil
			}
		}
		return nil, fmt.Errorf("%w: invalid base64 payload", ErrUnsupportedSource)
	}

	data, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	return []byte(data), nil
}

// EncodeDataURL returns data as a base64 data: URL with a sniffed content type.
func EncodeDataURL(data []byte) string {
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}
