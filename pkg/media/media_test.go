package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestDetectMime(t *testing.T) {
	cases := []struct {
		name string
		head []byte
		want string
	}{
		{"gif87", []byte("GIF87a...."), "image/gif"},
		{"gif89", []byte("GIF89a...."), "image/gif"},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00"), []byte("WEBP")...), "image/webp"},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"unknown", []byte("not a media file"), "application/octet-stream"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DetectMime(c.head); got != c.want {
				t.Errorf("DetectMime(%q) = %q, want %q", c.name, got, c.want)
			}
		})
	}
}

func TestIsAnimatedGIF(t *testing.T) {
	if !IsAnimated([]byte("GIF89a rest of header")) {
		t.Fatalf("expected GIF to be animated")
	}
}

func TestIsAnimatedWebPVP8X(t *testing.T) {
	head := make([]byte, 32)
	copy(head[0:4], "RIFF")
	copy(head[8:12], "WEBP")
	copy(head[12:16], "VP8X")
	head[20] = 0x02 // animation bit set

	if !IsAnimated(head) {
		t.Fatalf("expected VP8X animation bit to be detected")
	}

	head[20] = 0x00
	if IsAnimated(head) {
		t.Fatalf("expected static webp to not be animated")
	}
}

func TestIsAnimatedPNGWithACTL(t *testing.T) {
	head := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	head = append(head, []byte("\x00\x00\x00\x0DIHDR")...)
	head = append(head, []byte("acTL")...)

	if !IsAnimated(head) {
		t.Fatalf("expected APNG (acTL present) to be animated")
	}

	if IsAnimated([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}) {
		t.Fatalf("expected plain PNG without acTL to not be animated")
	}
}

func TestIsAnimatedJPEGNeverAnimated(t *testing.T) {
	if IsAnimated([]byte{0xFF, 0xD8, 0xFF, 0xE0}) {
		t.Fatalf("expected JPEG to never be animated")
	}
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("https://cdn.example/sticker.webp")
	b := Fingerprint("https://cdn.example/sticker.webp")
	if a != b {
		t.Fatalf("expected stable fingerprint, got %q and %q", a, b)
	}
	if a == Fingerprint("https://cdn.example/other.webp") {
		t.Fatalf("expected distinct URLs to fingerprint differently")
	}
}

func TestProbeAnimatedFallsBackToAnimatedOnNetworkFailure(t *testing.T) {
	e, err := New("")
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	animated, _, err := e.ProbeAnimated(context.Background(), "http://127.0.0.1:1/unreachable")
	if err == nil {
		t.Fatalf("expected a network error from an unreachable probe target")
	}
	if !animated {
		t.Fatalf("expected animated=true fallback on probe failure")
	}
}

func TestDownloadWritesLocalFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("GIF89a fake gif body"))
	}))
	defer srv.Close()

	e, err := New("")
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "out.gif")
	path, err := e.Download(context.Background(), srv.URL, dest, false)
	if err != nil {
		t.Fatalf("downloading: %v", err)
	}
	if path != dest {
		t.Fatalf("expected path %q, got %q", dest, path)
	}
}
