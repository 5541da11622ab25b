package server

import (
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePng(t *testing.T, dir string, name string, width, height int) string {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})

	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()
	require.NoError(t, png.Encode(file, img))
	return path
}

func TestLoadFavicon(t *testing.T) {
	path := writePng(t, t.TempDir(), "icon.png", 64, 64)

	encoded, err := LoadFavicon(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, "data:image/png;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, "data:image/png;base64,"))
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, raw)
}

func TestLoadFavicon_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFavicon(writePng(t, dir, "big.png", 128, 128))
	assert.ErrorIs(t, err, ErrFaviconInvalid)

	notImage := filepath.Join(dir, "icon.png")
	require.NoError(t, os.WriteFile(notImage, []byte("not an image"), 0o644))
	_, err = LoadFavicon(notImage)
	assert.ErrorIs(t, err, ErrFaviconInvalid)

	_, err = LoadFavicon(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrFaviconInvalid)
}

func TestFaviconCache_CachesForTtl(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icon.png")
	cache := NewFaviconCache(time.Hour)

	// a missing file is remembered as no icon
	assert.Empty(t, cache.Get(path))

	writePng(t, dir, "icon.png", 64, 64)
	assert.Empty(t, cache.Get(path), "the failed load is reused until the TTL passes")

	cache.Invalidate()
	assert.NotEmpty(t, cache.Get(path))

	require.NoError(t, os.Remove(path))
	assert.NotEmpty(t, cache.Get(path), "the loaded icon is reused until the TTL passes")
}

func TestFaviconCache_Expires(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icon.png")
	cache := NewFaviconCache(50 * time.Millisecond)

	assert.Empty(t, cache.Get(path))
	writePng(t, dir, "icon.png", 64, 64)

	assert.Eventually(t, func() bool {
		return cache.Get(path) != ""
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFaviconCache_ValidThenInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writePng(t, dir, "icon.png", 64, 64)
	cache := NewFaviconCache(50 * time.Millisecond)

	require.NotEmpty(t, cache.Get(path))

	writePng(t, dir, "icon.png", 32, 32)
	assert.Eventually(t, func() bool {
		return cache.Get(path) == ""
	}, 2*time.Second, 20*time.Millisecond, "an icon replaced by a wrong size is dropped once the TTL passes")
}

func TestFaviconCache_NonPositiveTtlUsesDefault(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Second} {
		cache := NewFaviconCache(ttl)
		assert.Equal(t, defaultFaviconTtl, cache.ttl)

		dir := t.TempDir()
		path := writePng(t, dir, "icon.png", 64, 64)
		require.NotEmpty(t, cache.Get(path))

		item, found := cache.cache.Items()["favicon:"+path]
		require.True(t, found)
		assert.NotZero(t, item.Expiration, "entries must expire")
	}
}

func TestFaviconCache_EmptyPath(t *testing.T) {
	assert.Empty(t, NewFaviconCache(time.Minute).Get(""))
}
