// Package media is the bridge's Media Engine: magic-byte mime/animation
// detection, fingerprinting for the reupload cache, and proxy-aware download
// with a direct-CDN fallback.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/log"
)

var logger = log.ForService("mediaengine")

// probeSize is the byte count requested by the Range probe when checking an
// ambiguous image's animation bit.
const probeSize = 32

// DetectMime inspects the leading bytes of a file and returns its mime type
// by magic number. Returns "application/octet-stream" when unrecognized.
func DetectMime(head []byte) string {
	switch {
	case hasPrefix(head, []byte("GIF87a")), hasPrefix(head, []byte("GIF89a")):
		return "image/gif"
	case len(head) >= 12 && hasPrefix(head, []byte("RIFF")) && string(head[8:12]) == "WEBP":
		return "image/webp"
	case hasPrefix(head, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case hasPrefix(head, []byte{0xFF, 0xD8}):
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// IsAnimated inspects the leading bytes for an animation indicator: a GIF
// signature, a WEBP VP8X chunk with the animation flag bit set, or a PNG
// acTL chunk (APNG). JPEG is never animated.
func IsAnimated(head []byte) bool {
	switch {
	case hasPrefix(head, []byte("GIF87a")), hasPrefix(head, []byte("GIF89a")):
		return true
	case len(head) >= 16 && hasPrefix(head, []byte("RIFF")) && string(head[8:12]) == "WEBP" && string(head[12:16]) == "VP8X":
		// Bit 1 (0x02) of the VP8X flags byte (offset 20) is the animation flag.
		if len(head) >= 21 {
			return head[20]&0x02 != 0
		}
		return false
	case len(head) >= 8 && hasPrefix(head, []byte{0x89, 'P', 'N', 'G'}):
		return containsACTL(head)
	default:
		return false
	}
}

// containsACTL does a crude scan for the 4-byte "acTL" chunk tag anywhere in
// head. In a well-formed APNG the tag follows the 8-byte signature, the
// 25-byte IHDR chunk and acTL's own 4-byte length, at offset 37, so a
// probeSize (32-byte) head does not reach it and is reported as not animated.
func containsACTL(head []byte) bool {
	tag := []byte("acTL")
	for i := 0; i+4 <= len(head); i++ {
		if head[i] == tag[0] && head[i+1] == tag[1] && head[i+2] == tag[2] && head[i+3] == tag[3] {
			return true
		}
	}
	return false
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// Fingerprint computes the stable cache key for a remote URL or platform
// file-id: a hex SHA-256 digest, so equal inputs always collide to the same
// media_fingerprint row regardless of which side first uploaded it.
func Fingerprint(urlOrFileID string) string {
	sum := sha256.Sum256([]byte(urlOrFileID))
	return hex.EncodeToString(sum[:])
}

// Engine performs CDN probes and downloads. The HTTP clients are split so a
// proxy only ever reaches the side of the bridge it was configured for; the
// direct client is used both for the image-kind probe (always bypasses the
// proxy) and as the fallback once a proxied download is exhausted.
type Engine struct {
	proxyClient  *http.Client
	directClient *http.Client
}

// New builds an Engine. proxyURL may be empty, in which case proxyClient
// behaves identically to the direct client.
func New(proxyURL string) (*Engine, error) {
	direct := &http.Client{Timeout: 30 * time.Second}

	proxy := direct
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		transport := &http.Transport{Proxy: http.ProxyURL(parsed)}
		proxy = &http.Client{Timeout: 30 * time.Second, Transport: transport}
	}

	return &Engine{proxyClient: proxy, directClient: direct}, nil
}

// ProbeAnimated issues a direct (never proxied) Range GET for the first 32
// bytes of a CDN URL and classifies it. On any network failure it returns
// (true, err) so callers preserve motion rather than silently drop it.
func (e *Engine) ProbeAnimated(ctx context.Context, cdnURL string) (animated bool, mime string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cdnURL, nil)
	if err != nil {
		return true, "", fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeSize-1))

	resp, err := e.directClient.Do(req)
	if err != nil {
		return true, "", fmt.Errorf("probing %s: %w", cdnURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	head := make([]byte, probeSize)
	n, _ := io.ReadFull(resp.Body, head)
	head = head[:n]

	return IsAnimated(head), DetectMime(head), nil
}

// Download fetches url into localPath, using the proxy client when useProxy
// is true. Transparently decodes a gzip-encoded response body (the bridge
// never requests it, but some CDNs compress regardless of Accept-Encoding).
func (e *Engine) Download(ctx context.Context, sourceURL, localPath string, useProxy bool) (string, error) {
	client := e.directClient
	if useProxy {
		client = e.proxyClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("building download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", coremsg.ErrMediaFetch
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %s", coremsg.ErrMediaFetch, resp.Status)
	}

	body := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", fmt.Errorf("opening gzip body: %w", err)
		}
		defer func() { _ = gz.Close() }()
		body = gz
	}

	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("creating local file: %w", err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warnf("closing downloaded file %s: %v", localPath, err)
		}
	}()

	written, err := io.Copy(out, body)
	if err != nil {
		return "", fmt.Errorf("writing downloaded body: %w", err)
	}
	logger.Debugf("downloaded %s (%s) to %s", sourceURL, humanize.Bytes(uint64(written)), localPath)

	return localPath, nil
}
