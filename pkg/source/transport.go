package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dodos-os/dodos/pkg/engine"
)

// Transport opens files of one repository by name.
type Transport interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Close() error
}

// TransportError is a failed transport operation.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "open", "download")
	Op string

	// Name is the file involved, if any.
	Name string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsThrottled indicates the server asked us to slow down
	IsThrottled bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ErrorClass maps the transport failure onto the retry classes.
func (e *TransportError) ErrorClass() engine.ErrorClass {
	switch {
	case e.IsThrottled:
		return engine.ErrorClassThrottled
	case e.IsTemporary:
		return engine.ErrorClassTransient
	default:
		return engine.ErrorClassPermanent
	}
}

// NewTransport returns the transport for a repository base URL. Supported
// schemes are http, https, file and sftp.
func NewTransport(base string, opts Options) (Transport, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid repository URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "https":
		return newHTTPTransport(u, opts), nil
	case "file", "":
		return &fileTransport{dir: filepath.FromSlash(u.Path)}, nil
	case "sftp":
		return newSFTPTransport(u, opts.SSH)
	default:
		return nil, fmt.Errorf("unsupported repository scheme %q", u.Scheme)
	}
}

type fileTransport struct {
	dir string
}

func (t *fileTransport) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(t.dir, filepath.FromSlash(path.Clean("/"+name))))
	if err != nil {
		return nil, &TransportError{Op: "open", Name: name, Err: err}
	}
	return f, nil
}

func (t *fileTransport) Close() error { return nil }

type httpTransport struct {
	base      *url.URL
	client    *http.Client
	userAgent string
}

func newHTTPTransport(base *url.URL, opts Options) *httpTransport {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &httpTransport{
		base: base,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   8,
			},
		},
		userAgent: opts.UserAgent,
	}
}

func (t *httpTransport) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	u := *t.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(name, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &TransportError{Op: "download", Name: name, Err: err}
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: "download", Name: name, Err: err, IsTemporary: true}
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	resp.Body.Close()

	te := &TransportError{Op: "download", Name: name, Err: fmt.Errorf("%s returned %s", u.Host, resp.Status)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		te.IsThrottled = true
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		te.IsAuthError = true
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		te.IsTemporary = true
	}
	return nil, te
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
