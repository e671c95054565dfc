// Package blobstore downloads and keeps local copies of Instagram images:
// profile avatars, post thumbnails, and follower avatars. Files are named
// by owner key plus an md5 of the source URL, so re-saving the same image
// is free and a changed CDN URL produces a new file.
package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registered decoders for the formats Instagram's CDN serves.
	_ "image/gif"
	_ "image/png"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"github.com/instarding/server/internal/metrics"
)

// Kind selects the subdirectory and processing rules for an image.
type Kind string

const (
	KindProfile  Kind = "profile"
	KindPost     Kind = "post"
	KindFollower Kind = "follower"
)

const (
	dirProfiles  = "profiles"
	dirPosts     = "posts"
	dirFollowers = "followers"

	downloadTimeout = 10 * time.Second
	jpegQuality     = 85

	downloadUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	// CDN responses larger than this are refused outright.
	maxDownloadBytes = 20 << 20
)

// Store is the local image blob store.
type Store struct {
	baseDir      string
	publicPrefix string
	maxDimension int
	client       *http.Client
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

// New creates the store and its three subdirectories. The metrics
// argument may be nil.
func New(baseDir string, maxDimension int, log zerolog.Logger, m *metrics.Metrics) (*Store, error) {
	s := &Store{
		baseDir:      baseDir,
		publicPrefix: "/" + filepath.ToSlash(filepath.Clean(baseDir)),
		maxDimension: maxDimension,
		client:       &http.Client{Timeout: downloadTimeout},
		log:          log.With().Str("component", "blobstore").Logger(),
		metrics:      m,
	}

	for _, dir := range []string{dirProfiles, dirPosts, dirFollowers} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating blob dir %s: %w", dir, err)
		}
	}
	return s, nil
}

func urlHash(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// SaveProfileAvatar stores a profile avatar, downscaled to the dimension
// cap. Returns the public path, or "" with an error when the download or
// decode failed.
func (s *Store) SaveProfileAvatar(ctx context.Context, username, avatarURL string) (string, error) {
	return s.save(ctx, KindProfile, dirProfiles, username, avatarURL, true)
}

// SavePostImage stores a post thumbnail under a "post_" prefixed name.
func (s *Store) SavePostImage(ctx context.Context, postID, imageURL string) (string, error) {
	return s.save(ctx, KindPost, dirPosts, "post_"+postID, imageURL, true)
}

// SaveFollowerAvatar stores a follower avatar. Follower avatars are small
// already and are kept at original resolution.
func (s *Store) SaveFollowerAvatar(ctx context.Context, username, avatarURL string) (string, error) {
	return s.save(ctx, KindFollower, dirFollowers, username, avatarURL, false)
}

func (s *Store) save(ctx context.Context, kind Kind, dir, key, rawURL string, downscale bool) (string, error) {
	if rawURL == "" || key == "" {
		return "", nil
	}

	filename := fmt.Sprintf("%s_%s.jpg", sanitizeKey(key), urlHash(rawURL))
	diskPath := filepath.Join(s.baseDir, dir, filename)
	publicPath := s.publicPrefix + "/" + dir + "/" + filename

	// Already downloaded: same key, same URL.
	if _, err := os.Stat(diskPath); err == nil {
		return publicPath, nil
	}

	if err := s.download(ctx, rawURL, diskPath, downscale); err != nil {
		if s.metrics != nil {
			s.metrics.ObserveBlobDownload(string(kind), false)
		}
		s.log.Warn().Str("url", rawURL).Str("key", key).Err(err).Msg("image download failed")
		return "", err
	}

	if s.metrics != nil {
		s.metrics.ObserveBlobDownload(string(kind), true)
	}
	return publicPath, nil
}

// sanitizeKey keeps keys filesystem-safe; Instagram usernames already are,
// but media pks and shortcodes pass through here too.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '_'
		}
	}, key)
}

func (s *Store) download(ctx context.Context, rawURL, diskPath string, downscale bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}
	req.Header.Set("User-Agent", downloadUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return fmt.Errorf("reading image body: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return fmt.Errorf("image exceeds %d bytes", maxDownloadBytes)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decoding image: %w", err)
	}

	if downscale {
		img = s.downscaleIfNeeded(img)
	}

	return writeJPEGAtomic(diskPath, img)
}

// downscaleIfNeeded fits the image inside maxDimension x maxDimension,
// preserving aspect ratio. Smaller images pass through untouched.
func (s *Store) downscaleIfNeeded(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if s.maxDimension <= 0 || (w <= s.maxDimension && h <= s.maxDimension) {
		return img
	}

	scale := float64(s.maxDimension) / float64(w)
	if h > w {
		scale = float64(s.maxDimension) / float64(h)
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// writeJPEGAtomic encodes to a temp file and renames it into place so a
// crashed write never leaves a truncated jpg behind.
func writeJPEGAtomic(diskPath string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(diskPath), ".blob-*.jpg")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encoding jpeg: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp blob: %w", err)
	}
	if err := os.Rename(tmpName, diskPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("placing blob: %w", err)
	}
	return nil
}

// BatchItem is one entry for BatchSave.
type BatchItem struct {
	Key string // username, post id, or shortcode
	URL string
}

// BatchSave stores a batch of images of one kind. Failures are tolerated
// per item: the result map only carries the successes.
func (s *Store) BatchSave(ctx context.Context, kind Kind, items []BatchItem) map[string]string {
	results := make(map[string]string, len(items))

	for _, item := range items {
		if item.Key == "" || item.URL == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		var path string
		var err error
		switch kind {
		case KindProfile:
			path, err = s.SaveProfileAvatar(ctx, item.Key, item.URL)
		case KindPost:
			path, err = s.SavePostImage(ctx, item.Key, item.URL)
		case KindFollower:
			path, err = s.SaveFollowerAvatar(ctx, item.Key, item.URL)
		}
		if err != nil || path == "" {
			continue
		}
		results[item.Key] = path
	}
	return results
}

// Cleanup deletes jpg blobs older than the given number of days and
// returns how many were removed.
func (s *Store) Cleanup(days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	deleted := 0

	for _, dir := range []string{dirProfiles, dirPosts, dirFollowers} {
		entries, err := os.ReadDir(filepath.Join(s.baseDir, dir))
		if err != nil {
			return deleted, fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jpg") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(s.baseDir, dir, entry.Name())); err != nil {
					s.log.Warn().Str("file", entry.Name()).Err(err).Msg("cleanup delete failed")
					continue
				}
				deleted++
			}
		}
	}

	s.log.Info().Int("deleted", deleted).Int("days", days).Msg("blob cleanup finished")
	return deleted, nil
}

// Stats summarizes blob counts and total size.
type Stats struct {
	Profiles    int     `json:"profiles"`
	Posts       int     `json:"posts"`
	Followers   int     `json:"followers"`
	TotalSizeMB float64 `json:"total_size_mb"`
}

// Stats walks the three directories and reports counts and size.
func (s *Store) Stats() (Stats, error) {
	var stats Stats
	var totalBytes int64

	count := func(dir string, counter *int) error {
		entries, err := os.ReadDir(filepath.Join(s.baseDir, dir))
		if err != nil {
			return fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jpg") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			*counter++
			totalBytes += info.Size()
		}
		return nil
	}

	if err := count(dirProfiles, &stats.Profiles); err != nil {
		return stats, err
	}
	if err := count(dirPosts, &stats.Posts); err != nil {
		return stats, err
	}
	if err := count(dirFollowers, &stats.Followers); err != nil {
		return stats, err
	}

	stats.TotalSizeMB = float64(totalBytes) / (1024 * 1024)
	return stats, nil
}
