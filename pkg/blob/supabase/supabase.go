// Package supabase provides a blob.Store backed by the Supabase Storage REST
// API.
//
// Every request authenticates with the project's service role key, sent both
// as a Bearer token and as the "apikey" header. Signed URLs are minted by the
// storage service itself and are returned as absolute URLs.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/dexter/pkg/blob"
)

const defaultTimeout = 30 * time.Second

// Option is a functional option for configuring the Store.
type Option func(*Store)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) {
		s.httpClient = c
	}
}

// Store implements blob.Store on a single Supabase Storage bucket.
type Store struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
}

var _ blob.Store = (*Store)(nil)

// New creates a Store. projectURL is the Supabase project URL
// (e.g. "https://abc.supabase.co"); serviceKey must be non-empty.
func New(projectURL, serviceKey, bucket string, opts ...Option) (*Store, error) {
	if projectURL == "" {
		return nil, errors.New("supabase: project URL must not be empty")
	}
	if serviceKey == "" {
		return nil, errors.New("supabase: service key must not be empty")
	}
	if bucket == "" {
		return nil, errors.New("supabase: bucket must not be empty")
	}
	s := &Store{
		baseURL:    strings.TrimRight(projectURL, "/") + "/storage/v1",
		serviceKey: serviceKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// Upload writes data with POST /object/{bucket}/{path}. Upsert maps to the
// "x-upsert" header.
func (s *Store) Upload(ctx context.Context, path string, data []byte, opts blob.UploadOptions) error {
	req, err := s.newRequest(ctx, http.MethodPost, s.objectURL("object", path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", fmt.Sprintf("%t", opts.Upsert))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supabase: upload %q: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		apiErr := apiError(resp)
		if resp.StatusCode == http.StatusConflict || apiErr.StatusCode == "409" {
			return fmt.Errorf("supabase: upload %q: %w", path, errors.Join(blob.ErrExists, apiErr))
		}
		return fmt.Errorf("supabase: upload %q: %w", path, apiErr)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Download reads an object with GET /object/{bucket}/{path}.
func (s *Store) Download(ctx context.Context, path string) ([]byte, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.objectURL("object", path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase: download %q: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, blob.ErrNotFound
	case resp.StatusCode/100 != 2:
		apiErr := apiError(resp)
		// Storage reports missing objects as 400 with an embedded 404.
		if apiErr.StatusCode == "404" {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("supabase: download %q: %w", path, apiErr)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("supabase: download %q: read body: %w", path, err)
	}
	return data, nil
}

// removeRequest is the JSON body of the bulk delete endpoint.
type removeRequest struct {
	Prefixes []string `json:"prefixes"`
}

// Remove deletes objects with DELETE /object/{bucket}.
func (s *Store) Remove(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	body, err := json.Marshal(removeRequest{Prefixes: paths})
	if err != nil {
		return fmt.Errorf("supabase: marshal remove: %w", err)
	}
	req, err := s.newRequest(ctx, http.MethodDelete, s.baseURL+"/object/"+url.PathEscape(s.bucket), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supabase: remove: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("supabase: remove: %w", apiError(resp))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// signRequest is the JSON body of the sign endpoint.
type signRequest struct {
	ExpiresIn int `json:"expiresIn"`
}

// signResponse is returned by the sign endpoint. SignedURL is relative to
// the storage API root.
type signResponse struct {
	SignedURL string `json:"signedURL"`
}

// SignedURL mints a time-limited URL with POST /object/sign/{bucket}/{path}.
func (s *Store) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	seconds := int(ttl / time.Second)
	if seconds <= 0 {
		return "", fmt.Errorf("supabase: sign %q: ttl %s must be at least one second", path, ttl)
	}
	body, err := json.Marshal(signRequest{ExpiresIn: seconds})
	if err != nil {
		return "", fmt.Errorf("supabase: marshal sign: %w", err)
	}
	req, err := s.newRequest(ctx, http.MethodPost, s.objectURL("object/sign", path), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("supabase: sign %q: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("supabase: sign %q: %w", path, apiError(resp))
	}

	var sr signResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("supabase: sign %q: decode: %w", path, err)
	}
	if sr.SignedURL == "" {
		return "", fmt.Errorf("supabase: sign %q: empty signed URL", path)
	}
	if strings.HasPrefix(sr.SignedURL, "http://") || strings.HasPrefix(sr.SignedURL, "https://") {
		return sr.SignedURL, nil
	}
	return s.baseURL + "/" + strings.TrimLeft(sr.SignedURL, "/"), nil
}

// EnsureFolder writes an empty placeholder object under prefix so the folder
// shows up in bucket listings.
func (s *Store) EnsureFolder(ctx context.Context, prefix string) error {
	p := strings.Trim(prefix, "/") + "/" + blob.FolderPlaceholder
	return s.Upload(ctx, p, nil, blob.UploadOptions{ContentType: "text/plain", Upsert: true})
}

// Ping lists the bucket metadata to verify credentials and connectivity.
func (s *Store) Ping(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodGet, s.baseURL+"/bucket/"+url.PathEscape(s.bucket), nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supabase: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("supabase: ping: %w", apiError(resp))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Store) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("supabase: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	return req, nil
}

// objectURL joins the storage root, an endpoint, the bucket, and an escaped
// object path.
func (s *Store) objectURL(endpoint, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + endpoint + "/" + url.PathEscape(s.bucket) + "/" + strings.Join(segments, "/")
}

// APIError is the error body returned by Supabase Storage.
type APIError struct {
	HTTPStatus int    `json:"-"`
	StatusCode string `json:"statusCode"`
	ErrorName  string `json:"error"`
	Message    string `json:"message"`
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("storage api status %d", e.HTTPStatus)
	}
	return fmt.Sprintf("storage api status %d: %s", e.HTTPStatus, e.Message)
}

// apiError decodes a non-2xx response body into an *APIError.
func apiError(resp *http.Response) *APIError {
	e := &APIError{HTTPStatus: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(body, e); err != nil {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}
