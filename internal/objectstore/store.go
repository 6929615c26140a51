// Package objectstore persists finished artifacts (MP3s, source videos,
// keyframe images) and serves the download-side cache probe. Keys are
// derived from the content hash, so a URL minted by this store can be mapped
// back to its key without talking to the backend.
package objectstore

import (
	"context"
	"fmt"
	"strings"
)

// Store is the artifact storage port.
type Store interface {
	// Upload copies the local file under key and returns its public URL.
	Upload(ctx context.Context, localPath, key, contentType string) (string, error)

	// TryDownload fetches the object a previously minted URL points at.
	// A URL that does not belong to this store, or an object that no longer
	// exists, yields (nil, nil): a cache miss, not an error.
	TryDownload(ctx context.Context, url string) ([]byte, error)

	// KeyFor maps a URL minted by this store back to its object key,
	// or "" when the URL is foreign.
	KeyFor(url string) string
}

// VideoKey is the object key for a source video with the given content hash.
func VideoKey(hash, ext string) string {
	if ext == "" {
		ext = ".mp4"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return "videos/" + hash + ext
}

// AudioKey is the object key for the extracted MP3 of the given content hash.
func AudioKey(hash string) string {
	return "audio/" + hash + ".mp3"
}

// KeyframeKey is the object key for the n-th keyframe (1-based) of the given
// content hash.
func KeyframeKey(hash string, n int) string {
	return fmt.Sprintf("keyframes/%s/frame_%03d.jpg", hash, n)
}

// keyFromURL strips a base URL prefix, returning the remainder as the key.
func keyFromURL(url, base string) string {
	key, ok := strings.CutPrefix(url, base+"/")
	if !ok || key == "" {
		return ""
	}
	return key
}
