package server

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/png"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	faviconSize       = 64
	faviconURIPrefix  = "data:image/png;base64,"
	defaultFaviconTtl = 60 * time.Second
)

var ErrFaviconInvalid = errors.New("favicon must be a 64x64 PNG image")

// FaviconCache keeps the encoded server icon for a fixed time. A file that could not be used is
// remembered as empty for the same time, so a broken icon is logged once per period rather than
// on every status request.
type FaviconCache struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewFaviconCache creates a cache that re-reads the icon every ttl. go-cache never expires
// entries with a zero duration, so a ttl that is not positive falls back to the default.
func NewFaviconCache(ttl time.Duration) *FaviconCache {
	if ttl <= 0 {
		logrus.WithField("ttl", ttl).
			Warnf("Favicon TTL must be positive, using %s", defaultFaviconTtl)
		ttl = defaultFaviconTtl
	}
	return &FaviconCache{
		cache: gocache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Get returns the data URI for the PNG at path, or an empty string when there is no usable icon.
func (f *FaviconCache) Get(path string) string {
	if path == "" {
		return ""
	}

	key := "favicon:" + path
	if cached, found := f.cache.Get(key); found {
		return cached.(string)
	}

	encoded, err := LoadFavicon(path)
	if err != nil {
		logrus.
			WithError(err).
			WithField("favicon", path).
			WithField("retryAfter", f.ttl).
			Warn("Unable to load favicon, status responses will omit it")
		encoded = ""
	} else {
		logrus.WithField("favicon", path).Debug("Loaded favicon")
	}
	f.cache.Set(key, encoded, f.ttl)
	return encoded
}

// Invalidate forgets every cached icon so that the next request reads the file again.
func (f *FaviconCache) Invalidate() {
	f.cache.Flush()
}

// LoadFavicon reads a 64x64 PNG and encodes it as a data URI.
func LoadFavicon(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "could not read favicon")
	}

	imageConfig, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return "", errors.Wrapf(ErrFaviconInvalid, "could not decode image: %v", err)
	}
	if format != "png" {
		return "", errors.Wrapf(ErrFaviconInvalid, "got %s image", format)
	}
	if imageConfig.Width != faviconSize || imageConfig.Height != faviconSize {
		return "", errors.Wrapf(ErrFaviconInvalid, "got %dx%d", imageConfig.Width, imageConfig.Height)
	}

	return faviconURIPrefix + base64.StdEncoding.EncodeToString(content), nil
}
