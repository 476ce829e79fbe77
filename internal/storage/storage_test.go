package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStorage(url string) *Storage {
	s := New(url, "service-key", "videos")
	s.retryBase = time.Millisecond
	return s
}

func TestResolveLocalPath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	s := newTestStorage("http://unused")

	got, err := s.Resolve(context.Background(), src, filepath.Join(dir, "dest.mp4"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != src {
		t.Errorf("expected local path returned as-is, got %s", got)
	}

	got, err = s.Resolve(context.Background(), "file://"+src, "")
	if err != nil || got != src {
		t.Errorf("expected file:// prefix to be stripped, got %s, %v", got, err)
	}

	_, err = s.Resolve(context.Background(), filepath.Join(dir, "missing.mp4"), "")
	if !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("expected ErrSourceNotFound, got %v", err)
	}
	_, err = s.Resolve(context.Background(), dir, "")
	if !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("expected a directory to be rejected, got %v", err)
	}
}

func TestResolveRestrictedLocalPath(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	inside := filepath.Join(root, "clip.mp4")
	secret := filepath.Join(outside, "secret.mp4")
	for _, p := range []string{inside, secret} {
		if err := os.WriteFile(p, []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	s := newTestStorage("http://unused")
	s.RestrictLocal(root)
	ctx := context.Background()

	if got, err := s.Resolve(ctx, inside, ""); err != nil || got != inside {
		t.Fatalf("Resolve inside root = %q, %v", got, err)
	}
	for _, ref := range []string{
		secret,
		"file://" + secret,
		filepath.Join(root, "..", filepath.Base(outside), "secret.mp4"),
		filepath.Join(outside, "missing.mp4"),
	} {
		if _, err := s.Resolve(ctx, ref, ""); !errors.Is(err, ErrSourceNotAllowed) {
			t.Errorf("Resolve(%q): expected ErrSourceNotAllowed, got %v", ref, err)
		}
	}

	link := filepath.Join(root, "link.mp4")
	if err := os.Symlink(secret, link); err == nil {
		if _, err := s.Resolve(ctx, link, ""); !errors.Is(err, ErrSourceNotAllowed) {
			t.Errorf("expected a symlink out of the root to be refused, got %v", err)
		}
	}

	if _, err := s.Resolve(ctx, filepath.Join(root, "missing.mp4"), ""); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("expected ErrSourceNotFound inside the root, got %v", err)
	}
}

func TestResolveLocalDisabledWithoutRoot(t *testing.T) {
	src := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(src, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	s := newTestStorage("http://unused")
	s.RestrictLocal("")
	if _, err := s.Resolve(context.Background(), src, ""); !errors.Is(err, ErrSourceNotAllowed) {
		t.Fatalf("expected ErrSourceNotAllowed, got %v", err)
	}

	// An unrestricted store, as the CLI uses, reads any local path.
	if got, err := newTestStorage("http://unused").Resolve(context.Background(), src, ""); err != nil || got != src {
		t.Fatalf("unrestricted Resolve = %q, %v", got, err)
	}
}

func TestResolveURLRetriesTransientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no credentials on third-party fetch")
		}
		io.WriteString(w, "video bytes")
	}))
	defer srv.Close()

	s := newTestStorage("http://unused")
	dest := filepath.Join(t.TempDir(), "src.mp4")

	got, err := s.Resolve(context.Background(), srv.URL+"/clip.mp4", dest)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	data, _ := os.ReadFile(got)
	if string(data) != "video bytes" {
		t.Errorf("unexpected content %q", data)
	}
	if hits != 2 {
		t.Errorf("expected 2 attempts, got %d", hits)
	}
}

func TestResolveURLNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := newTestStorage("http://unused")
	_, err := s.Resolve(context.Background(), srv.URL+"/gone.mp4", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
}

func TestResolveStorageRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storage/v1/object/videos/uploads/a.mp4" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer service-key" {
			t.Errorf("expected service key")
		}
		io.WriteString(w, "stored")
	}))
	defer srv.Close()

	s := newTestStorage(srv.URL)
	dest := filepath.Join(t.TempDir(), "a.mp4")
	if _, err := s.Resolve(context.Background(), "storage://uploads/a.mp4", dest); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestUploadFile(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "rendered" {
			t.Errorf("attempt got body %q", body)
		}
		if r.Method != http.MethodPut || r.Header.Get("x-upsert") != "true" {
			t.Errorf("unexpected request %s %v", r.Method, r.Header)
		}
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "out.mp4")
	if err := os.WriteFile(local, []byte("rendered"), 0644); err != nil {
		t.Fatal(err)
	}

	s := newTestStorage(srv.URL)
	if err := s.UploadFile(context.Background(), "renders/x/out.mp4", local, "video/mp4"); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestUploadFileStopsOnClientError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "out.mp4")
	os.WriteFile(local, []byte("x"), 0644)

	if err := newTestStorage(srv.URL).UploadFile(context.Background(), "p", local, "video/mp4"); err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Errorf("expected no retries on 403, got %d attempts", attempts)
	}
}

func TestGetSignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storage/v1/object/sign/videos/renders/j/out.mp4" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"signedURL": "/object/sign/videos/renders/j/out.mp4?token=abc"}`)
	}))
	defer srv.Close()

	got, err := newTestStorage(srv.URL).GetSignedURL(context.Background(), "renders/j/out.mp4", 3600)
	if err != nil {
		t.Fatalf("GetSignedURL: %v", err)
	}
	want := srv.URL + "/storage/v1/object/sign/videos/renders/j/out.mp4?token=abc"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestGenerateStoragePath(t *testing.T) {
	id := uuid.MustParse("0b6f5c8e-2d1a-4c55-9a51-6a3c1e0f7d11")
	got := New("http://x/", "k", "b").GenerateStoragePath(id, "output.mp4")
	if got != "renders/0b6f5c8e-2d1a-4c55-9a51-6a3c1e0f7d11/output.mp4" {
		t.Errorf("unexpected path %s", got)
	}
}

func TestIsRemote(t *testing.T) {
	for ref, want := range map[string]bool{
		"https://cdn/x.mp4": true,
		"http://cdn/x.mp4":  true,
		"storage://a/b.mp4": true,
		"/tmp/a.mp4":        false,
		"file:///tmp/a.mp4": false,
	} {
		if IsRemote(ref) != want {
			t.Errorf("IsRemote(%q) != %v", ref, want)
		}
	}
}
