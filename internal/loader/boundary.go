package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	rcerrors "github.com/docforge/rescache/pkg/errors"
)

// Host is the UI boundary placeholders attach to.
type Host interface {
	Attach(id string, kind Kind, payload interface{}) error
	MarkFailed(id string, err error)
}

// NopHost discards attachments.
type NopHost struct{}

func (NopHost) Attach(string, Kind, interface{}) error { return nil }
func (NopHost) MarkFailed(string, error)               {}

// Fetcher retrieves raw content by reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, ref string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return f(ctx, ref)
}

// ComponentFactory builds a sub-component.
type ComponentFactory func(ctx context.Context, name string, props map[string]interface{}) (interface{}, error)

// HTTPFetcher fetches references as URLs.
type HTTPFetcher struct {
	Client  *http.Client
	MaxSize int64
}

// NewHTTPFetcher creates an HTTP fetcher with a bounded body size.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client:  &http.Client{Timeout: timeout},
		MaxSize: 32 << 20,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.ErrCodeStorageRead, "fetch failed").
			WithComponent("loader").WithOperation("fetch").WithDetail("ref", ref)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, rcerrors.NewError(rcerrors.ErrCodeObjectNotFound, "resource not found").
			WithDetail("ref", ref)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// Throttling and server errors are transient.
		return nil, rcerrors.NewError(rcerrors.ErrCodeStorageRead, fmt.Sprintf("unexpected status %d", resp.StatusCode)).
			WithComponent("loader").WithOperation("fetch").WithDetail("ref", ref)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("fetch %s: unexpected status %d", ref, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxSize+1))
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.ErrCodeStorageRead, "read failed").
			WithComponent("loader").WithOperation("fetch").WithDetail("ref", ref)
	}
	if int64(len(data)) > f.MaxSize {
		return nil, rcerrors.NewError(rcerrors.ErrCodeEntryTooLarge, fmt.Sprintf("body exceeds %d bytes", f.MaxSize)).
			WithComponent("loader").WithOperation("fetch").WithDetail("ref", ref)
	}
	return data, nil
}
