package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/boardroom/internal/providers"
)

const (
	// maxImageBytes is the provider payload ceiling after preflight.
	maxImageBytes = 10 * 1024 * 1024

	// maxImageDimension is the hard per-edge pixel limit providers enforce.
	maxImageDimension = 8000

	// downscaleLongEdge is the target long edge for oversized images.
	// Larger inputs are resized before encoding, smaller pass through.
	downscaleLongEdge = 2048
)

// LoadImages reads local image files into base64 ImageContent, running each
// through preflight. Unreadable files are skipped with a warning; preflight
// rejections (too big, too many pixels) propagate so the turn can fail with
// user-facing guidance instead of a provider error.
func LoadImages(paths []string) ([]providers.ImageContent, error) {
	var images []providers.ImageContent
	for _, p := range paths {
		mime := inferImageMime(p)
		if mime == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("vision: failed to read image file", "path", p, "error", err)
			continue
		}
		data, mime, err = PreflightImage(data, mime)
		if err != nil {
			return nil, fmt.Errorf("image %s: %w", filepath.Base(p), err)
		}
		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images, nil
}

// PreflightImage validates and normalizes one image payload. Images past the
// dimension ceiling are rejected; images above the downscale threshold are
// resized and re-encoded as JPEG; everything else passes through untouched.
func PreflightImage(data []byte, mime string) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		// Undecodable payloads go through as-is; the provider gets the
		// final say on formats we cannot parse (e.g. animated webp).
		if len(data) > maxImageBytes {
			return nil, "", fmt.Errorf("image size %d bytes exceeds the %d byte limit", len(data), maxImageBytes)
		}
		return data, mime, nil
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxImageDimension || h > maxImageDimension {
		return nil, "", fmt.Errorf("image dimension %dx%d exceeds the %d pixel per-edge limit", w, h, maxImageDimension)
	}

	if w > downscaleLongEdge || h > downscaleLongEdge {
		resized := imaging.Fit(img, downscaleLongEdge, downscaleLongEdge, imaging.Lanczos)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return nil, "", fmt.Errorf("re-encode downscaled image: %w", err)
		}
		slog.Debug("vision: downscaled image",
			"from", fmt.Sprintf("%dx%d", w, h),
			"bytes", buf.Len())
		data, mime = buf.Bytes(), "image/jpeg"
	}

	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image size %d bytes exceeds the %d byte limit", len(data), maxImageBytes)
	}
	return data, mime, nil
}

// inferImageMime returns the MIME type for supported image extensions, or ""
// for non-image paths.
func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
