package material

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/bucket"
)

// BasicExtractor hashes the object and records transport-level attributes.
// Format-aware extraction (page counts, EXIF) plugs in by replacing it.
type BasicExtractor struct{}

func (BasicExtractor) Extract(_ context.Context, info *bucket.ObjectInfo, r io.Reader) (map[string]any, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, apperr.Transient("hash object", err)
	}
	return map[string]any{
		"sha256":       hex.EncodeToString(h.Sum(nil)),
		"size_bytes":   n,
		"content_type": info.ContentType,
	}, nil
}

// PassthroughThumbnailer serves already-image content as its own preview
// and declines everything else. Rendering for documents needs a real
// converter behind this interface.
type PassthroughThumbnailer struct {
	// MaxBytes caps how large a preview may be; bigger images are declined.
	MaxBytes int64
}

func (t PassthroughThumbnailer) Render(_ context.Context, contentType string, r io.Reader) ([]byte, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return nil, apperr.Terminal("no preview for content type", errContentType(contentType))
	}
	max := t.MaxBytes
	if max <= 0 {
		max = 4 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, apperr.Transient("read image", err)
	}
	if int64(len(data)) > max {
		return nil, apperr.Terminal("image too large for preview", errContentType(contentType))
	}
	return data, nil
}

type errContentType string

func (e errContentType) Error() string { return "content_type=" + string(e) }
