package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Per-attempt timeouts; rendered videos can be hundreds of MB
	uploadTimeout   = 10 * time.Minute
	downloadTimeout = 10 * time.Minute

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// RefScheme prefixes a source reference that points into the bucket,
// e.g. "storage://uploads/intro.mp4".
const RefScheme = "storage://"

// ErrSourceNotFound is returned when a source reference cannot be found.
var ErrSourceNotFound = errors.New("source not found")

// ErrSourceNotAllowed is returned for a local reference outside the
// configured source root.
var ErrSourceNotAllowed = errors.New("source not allowed")

type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	retryBase  time.Duration

	restrictLocal bool
	localRoot     string
}

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryBase: baseRetryDelay,
	}
}

// ---------------------------------------------------------------------------
// Source resolution
// ---------------------------------------------------------------------------

// RestrictLocal limits local references to files under root, symlinks
// resolved. With an empty root every local reference is refused. Storage
// serving HTTP callers is restricted; the CLI is not.
func (s *Storage) RestrictLocal(root string) {
	s.restrictLocal = true
	s.localRoot = root
}

// Resolve turns a source reference into a local file the planner can read.
// Local paths are returned as-is after an existence check; http(s) URLs and
// storage:// references are downloaded to dest.
func (s *Storage) Resolve(ctx context.Context, ref, dest string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		if err := s.FetchURL(ctx, ref, dest); err != nil {
			return "", err
		}
		return dest, nil
	case strings.HasPrefix(ref, RefScheme):
		if err := s.DownloadFile(ctx, strings.TrimPrefix(ref, RefScheme), dest); err != nil {
			return "", err
		}
		return dest, nil
	default:
		local := strings.TrimPrefix(ref, "file://")
		if err := s.checkLocal(local, false); err != nil {
			return "", err
		}
		info, err := os.Stat(local)
		if err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("%w: %s", ErrSourceNotFound, ref)
			}
			return "", fmt.Errorf("failed to stat %s: %w", local, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrSourceNotFound, ref)
		}
		if err := s.checkLocal(local, true); err != nil {
			return "", err
		}
		return local, nil
	}
}

// checkLocal enforces RestrictLocal. The lexical check runs before the file
// is touched; the resolved check runs once it is known to exist.
func (s *Storage) checkLocal(local string, resolve bool) error {
	if !s.restrictLocal {
		return nil
	}
	if s.localRoot == "" {
		return fmt.Errorf("%w: local files are disabled", ErrSourceNotAllowed)
	}

	root, err := filepath.Abs(s.localRoot)
	if err != nil {
		return fmt.Errorf("local source root %s: %w", s.localRoot, err)
	}
	target, err := filepath.Abs(local)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSourceNotAllowed, local)
	}
	if resolve {
		if root, err = filepath.EvalSymlinks(root); err != nil {
			return fmt.Errorf("local source root %s: %w", s.localRoot, err)
		}
		if target, err = filepath.EvalSymlinks(target); err != nil {
			return fmt.Errorf("failed to resolve %s: %w", local, err)
		}
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s is outside %s", ErrSourceNotAllowed, local, s.localRoot)
	}
	return nil
}

// IsRemote reports whether Resolve would download ref.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") ||
		strings.HasPrefix(ref, "https://") ||
		strings.HasPrefix(ref, RefScheme)
}

// ---------------------------------------------------------------------------
// Transfers
// ---------------------------------------------------------------------------

// UploadFile uploads a local file to the bucket with retries and exponential
// backoff. The file is streamed, not buffered, and rewound for every attempt.
func (s *Storage) UploadFile(ctx context.Context, storagePath, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file %s: %w", localPath, err)
	}

	url := s.objectURL(storagePath)
	return s.withRetry(ctx, "Upload", storagePath, func(ctx context.Context) (bool, error) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return false, fmt.Errorf("failed to rewind %s: %w", localPath, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPut, url, io.NopCloser(f))
		if err != nil {
			return false, fmt.Errorf("failed to create request: %w", err)
		}
		req.ContentLength = info.Size()
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			return isRetryableError(err), fmt.Errorf("failed to upload: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return false, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return isRetryableStatus(resp.StatusCode), fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	})
}

// DownloadFile copies an object from the bucket to dest.
func (s *Storage) DownloadFile(ctx context.Context, storagePath, dest string) error {
	return s.fetch(ctx, "Download", s.objectURL(storagePath), dest, true)
}

// FetchURL copies an arbitrary http(s) URL to dest.
func (s *Storage) FetchURL(ctx context.Context, url, dest string) error {
	return s.fetch(ctx, "Fetch", url, dest, false)
}

func (s *Storage) fetch(ctx context.Context, op, url, dest string, authorize bool) error {
	return s.withRetry(ctx, op, url, func(ctx context.Context) (bool, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
		if err != nil {
			return false, fmt.Errorf("failed to create request: %w", err)
		}
		if authorize {
			req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return isRetryableError(err), fmt.Errorf("failed to download: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			return false, fmt.Errorf("%w: %s", ErrSourceNotFound, url)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return isRetryableStatus(resp.StatusCode), fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}

		out, err := os.Create(dest)
		if err != nil {
			return false, fmt.Errorf("failed to create %s: %w", dest, err)
		}
		n, copyErr := io.Copy(out, resp.Body)
		closeErr := out.Close()
		if copyErr != nil {
			os.Remove(dest)
			return true, fmt.Errorf("failed to read download body: %w", copyErr)
		}
		if closeErr != nil {
			os.Remove(dest)
			return false, fmt.Errorf("failed to write %s: %w", dest, closeErr)
		}
		log.Printf("[Storage] %s %s -> %s (%d bytes)", op, truncate(url, 120), dest, n)
		return false, nil
	})
}

// withRetry runs attempt until it succeeds, returns a non-retryable error,
// or maxRetries is exhausted.
func (s *Storage) withRetry(ctx context.Context, op, target string, attempt func(context.Context) (bool, error)) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			delay := s.retryDelay(i)
			log.Printf("[Storage] %s retry %d/%d for %s (waiting %v)...", op, i, maxRetries, target, delay)

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", strings.ToLower(op), ctx.Err())
			case <-time.After(delay):
			}
		}

		retryable, err := attempt(ctx)
		if err == nil {
			if i > 0 {
				log.Printf("[Storage] %s succeeded on attempt %d for %s", op, i+1, target)
			}
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		log.Printf("[Storage] %s attempt %d failed (retryable): %v", op, i+1, err)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", strings.ToLower(op), maxRetries+1, lastErr)
}

// ---------------------------------------------------------------------------
// URLs and paths
// ---------------------------------------------------------------------------

func (s *Storage) objectURL(storagePath string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, storagePath)
}

// GetPublicURL returns the public URL for a file
func (s *Storage) GetPublicURL(storagePath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, storagePath)
}

// GetSignedURL creates a signed URL for temporary access
func (s *Storage) GetSignedURL(ctx context.Context, storagePath string, expiresIn int) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, storagePath)

	body, _ := json.Marshal(map[string]int{"expiresIn": expiresIn})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get signed URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse signed URL response: %w", err)
	}

	return s.url + "/storage/v1" + result.SignedURL, nil
}

// GenerateStoragePath returns where a job's output is stored.
func (s *Storage) GenerateStoragePath(jobID uuid.UUID, filename string) string {
	return path.Join("renders", jobID.String(), filename)
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func (s *Storage) retryDelay(attempt int) time.Duration {
	delay := float64(s.retryBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// 0–25% jitter
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
