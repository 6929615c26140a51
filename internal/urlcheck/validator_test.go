package urlcheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidator_ValidateSyntax(t *testing.T) {
	v := NewValidator(0, nil, nil)

	valid := []string{
		"http://example.com/video.mp4",
		"https://cdn.example.com/path/to/clip",
		"https://example.com/watch?v=abc123",
	}
	for _, u := range valid {
		if err := v.ValidateSyntax(u); err != nil {
			t.Errorf("ValidateSyntax(%q) = %v, want nil", u, err)
		}
	}

	cases := []struct {
		name string
		url  string
		want error
	}{
		{"empty", "", ErrEmptyURL},
		{"whitespace", "   ", ErrEmptyURL},
		{"ftp scheme", "ftp://example.com/video.mp4", ErrUnsupportedScheme},
		{"no host", "http:///video.mp4", ErrMissingHost},
		{"localhost", "http://localhost/video.mp4", ErrPrivateHost},
		{"loopback ip", "http://127.0.0.1/video.mp4", ErrPrivateHost},
		{"private ip", "http://192.168.1.5/video.mp4", ErrPrivateHost},
		{"link local", "http://169.254.10.1/video.mp4", ErrPrivateHost},
		{"executable", "http://example.com/setup.exe", ErrDangerousExtension},
		{"shell script", "http://example.com/run.sh", ErrDangerousExtension},
		{"uppercase extension", "http://example.com/SETUP.EXE", ErrDangerousExtension},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateSyntax(tc.url)
			if !errors.Is(err, tc.want) {
				t.Errorf("ValidateSyntax(%q) = %v, want %v", tc.url, err, tc.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		url  string
		want Kind
	}{
		{"https://www.youtube.com/watch?v=abc", KindYoutube},
		{"https://youtu.be/abc", KindYoutube},
		{"https://music.youtube.com/watch?v=abc", KindYoutube},
		{"https://rr3---sn-4g5e6nsz.googlevideo.com/videoplayback", KindYoutube},
		{"https://www.instagram.com/reel/xyz/", KindInstagram},
		{"https://scontent.cdninstagram.com/v/t50/clip.mp4", KindInstagram},
		{"https://video.fbcdn.net/v/clip.mp4", KindInstagram},
		{"https://example.com/video.mp4", KindGeneric},
		{"https://notyoutube.com/watch", KindGeneric},
		{"https://youtube.com.evil.com/watch", KindGeneric},
	}
	for _, tc := range cases {
		if got := Classify(tc.url); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestValidator_IsYoutubeURL(t *testing.T) {
	v := NewValidator(0, nil, nil)
	if !v.IsYoutubeURL("https://youtu.be/abc") {
		t.Error("expected youtu.be to be detected")
	}
	if v.IsYoutubeURL("https://example.com/video.mp4") {
		t.Error("expected plain URL to not be detected")
	}
}

func TestValidator_IsContentAcceptable(t *testing.T) {
	allowed := []string{"video/mp4", "video/webm"}

	newServer := func(status int, contentType string, length string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if contentType != "" {
				w.Header().Set("Content-Type", contentType)
			}
			if length != "" {
				w.Header().Set("Content-Length", length)
			}
			w.WriteHeader(status)
		}))
	}

	t.Run("accepts allowed type within size", func(t *testing.T) {
		srv := newServer(http.StatusOK, "video/mp4", "1000")
		defer srv.Close()

		v := NewValidator(10_000, allowed, nil)
		if err := v.IsContentAcceptable(context.Background(), srv.URL); err != nil {
			t.Errorf("IsContentAcceptable() = %v, want nil", err)
		}
	})

	t.Run("rejects oversized file", func(t *testing.T) {
		srv := newServer(http.StatusOK, "video/mp4", "20000")
		defer srv.Close()

		v := NewValidator(10_000, allowed, nil)
		err := v.IsContentAcceptable(context.Background(), srv.URL)
		if !errors.Is(err, ErrFileTooLarge) {
			t.Errorf("IsContentAcceptable() = %v, want ErrFileTooLarge", err)
		}
	})

	t.Run("rejects disallowed content type", func(t *testing.T) {
		srv := newServer(http.StatusOK, "application/pdf", "100")
		defer srv.Close()

		v := NewValidator(10_000, allowed, nil)
		err := v.IsContentAcceptable(context.Background(), srv.URL)
		if !errors.Is(err, ErrUnsupportedContentType) {
			t.Errorf("IsContentAcceptable() = %v, want ErrUnsupportedContentType", err)
		}
	})

	t.Run("relaxes text/plain for media extensions", func(t *testing.T) {
		srv := newServer(http.StatusOK, "text/plain", "100")
		defer srv.Close()

		v := NewValidator(10_000, allowed, nil)
		if err := v.IsContentAcceptable(context.Background(), srv.URL+"/clip.mp4"); err != nil {
			t.Errorf("IsContentAcceptable() = %v, want nil for text/plain with .mp4", err)
		}
	})

	t.Run("rejects text/plain without a media extension", func(t *testing.T) {
		srv := newServer(http.StatusOK, "text/plain", "100")
		defer srv.Close()

		v := NewValidator(10_000, allowed, nil)
		err := v.IsContentAcceptable(context.Background(), srv.URL+"/notes.txt")
		if !errors.Is(err, ErrUnsupportedContentType) {
			t.Errorf("IsContentAcceptable() = %v, want ErrUnsupportedContentType", err)
		}
	})

	t.Run("tolerates servers rejecting HEAD", func(t *testing.T) {
		srv := newServer(http.StatusMethodNotAllowed, "", "")
		defer srv.Close()

		v := NewValidator(10_000, allowed, nil)
		if err := v.IsContentAcceptable(context.Background(), srv.URL); err != nil {
			t.Errorf("IsContentAcceptable() = %v, want nil for 405", err)
		}
	})

	t.Run("fails on 404", func(t *testing.T) {
		srv := newServer(http.StatusNotFound, "", "")
		defer srv.Close()

		v := NewValidator(10_000, allowed, nil)
		if err := v.IsContentAcceptable(context.Background(), srv.URL); err == nil {
			t.Error("IsContentAcceptable() = nil, want error for 404")
		}
	})
}
