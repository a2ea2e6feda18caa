// Package imagesource turns an image reference (URL, data URI or local path)
// into a decoded, opaque RGB image.
package imagesource

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/example/lesion-diagnostics/internal/apperr"
	"github.com/example/lesion-diagnostics/internal/config"
)

// Source identifies how an image reference is encoded.
type Source int

const (
	SourcePath Source = iota
	SourceURL
	SourceDataURI
)

func (s Source) String() string {
	switch s {
	case SourceURL:
		return "url"
	case SourceDataURI:
		return "data_uri"
	default:
		return "path"
	}
}

const dataURIPrefix = "data:image"

// DefaultMaxPixels is the largest image area decoded when no limit is configured.
const DefaultMaxPixels = 89478485

// SourceOf classifies ref. URLs win over data URIs, anything else is a path.
func SourceOf(ref string) Source {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return SourceURL
	case strings.HasPrefix(ref, dataURIPrefix):
		return SourceDataURI
	default:
		return SourcePath
	}
}

// Resolver loads and decodes image references. It holds no per-request state.
type Resolver struct {
	client    *http.Client
	maxBytes  int64
	maxPixels int64
	logger    *zap.Logger
}

// NewResolver builds a Resolver whose HTTP fetches are bounded by cfg.FetchTimeout
// and whose decoded images are bounded by cfg.MaxPixels.
func NewResolver(cfg config.ImageConfig, logger *zap.Logger) *Resolver {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxPixels := cfg.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Resolver{
		client:    &http.Client{Timeout: timeout},
		maxBytes:  cfg.MaxBytes,
		maxPixels: maxPixels,
		logger:    logger.Named("image_resolver"),
	}
}

// Resolve loads ref and decodes it into an opaque RGBA image.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*image.RGBA, error) {
	data, err := r.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return Decode(data, r.maxPixels)
}

// Load returns the raw encoded bytes behind ref without decoding them.
func (r *Resolver) Load(ctx context.Context, ref string) ([]byte, error) {
	source := SourceOf(ref)
	r.logger.Debug("loading image", zap.Stringer("source", source))

	switch source {
	case SourceURL:
		return r.fetch(ctx, ref)
	case SourceDataURI:
		return DecodeDataURI(ref)
	default:
		return r.readFile(ref)
	}
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	const op = "imagesource.fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindNetwork, op, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.Newf(apperr.KindNetwork, op, "unexpected status %d fetching image", resp.StatusCode)
	}

	data, err := r.readLimited(resp.Body)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			return nil, err
		}
		return nil, apperr.New(apperr.KindNetwork, op, err)
	}
	return data, nil
}

func (r *Resolver) readFile(path string) ([]byte, error) {
	const op = "imagesource.read_file"

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Newf(apperr.KindNotFound, op, "image file not found at %s", path)
		}
		// Permission and other I/O failures carry no kind.
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer f.Close()

	data, err := r.readLimited(f)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

func (r *Resolver) readLimited(src io.Reader) ([]byte, error) {
	if r.maxBytes <= 0 {
		return io.ReadAll(src)
	}
	data, err := io.ReadAll(io.LimitReader(src, r.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > r.maxBytes {
		return nil, apperr.Newf(apperr.KindDecode, "imagesource.read", "image exceeds %d bytes", r.maxBytes)
	}
	return data, nil
}

// DecodeDataURI extracts the payload after the first comma of a data URI and
// base64-decodes it.
func DecodeDataURI(ref string) ([]byte, error) {
	const op = "imagesource.data_uri"

	_, payload, found := strings.Cut(ref, ",")
	if !found {
		return nil, apperr.Newf(apperr.KindDecode, op, "data URI has no payload")
	}
	data, err := DecodeBase64(payload)
	if err != nil {
		return nil, apperr.New(apperr.KindDecode, op, err)
	}
	return data, nil
}

// DecodeBase64 decodes standard base64, with or without padding.
func DecodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, errors.New("empty base64 payload")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(payload); rawErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("invalid base64 image data: %w", err)
}

// Decode parses encoded image bytes (JPEG, PNG, GIF, WebP, BMP) and drops any
// alpha channel, yielding a fully opaque RGBA image anchored at the origin.
// Images whose header declares more than maxPixels pixels are rejected before
// the pixel data is decoded; a non-positive maxPixels disables the check.
func Decode(data []byte, maxPixels int64) (*image.RGBA, error) {
	const op = "imagesource.decode"

	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.New(apperr.KindDecode, op, err)
	}
	if pixels := int64(header.Width) * int64(header.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, apperr.Newf(apperr.KindDecode, op, "image of %dx%d pixels exceeds the limit of %d", header.Width, header.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.New(apperr.KindDecode, op, err)
	}
	return toRGB(img), nil
}

func toRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}
