// Package obs downloads build results from the Open Build Service API.
package obs

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/progress"
)

const (
	DefaultAPI = "https://api.opensuse.org"
	// ContainerSuffix marks docker-archive images among build results.
	ContainerSuffix = ".docker.tar"
)

// Error is a failed exchange with the OBS API.
type Error struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("obs %s %s: status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("obs %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{errdefs.ErrUnavailable}
	}
	return []error{errdefs.ErrUnavailable, e.Err}
}

// Binary is one build result file.
type Binary struct {
	Filename string `xml:"filename,attr"`
	Size     int64  `xml:"size,attr"`
	MTime    int64  `xml:"mtime,attr"`
}

type binaryList struct {
	XMLName  xml.Name `xml:"binarylist"`
	Binaries []Binary `xml:"binary"`
}

// Target addresses the build results of one package.
type Target struct {
	Project    string
	Repository string
	Arch       string
	Package    string
}

func (t Target) String() string {
	return strings.Join([]string{t.Project, t.Repository, t.Arch, t.Package}, "/")
}

type Client struct {
	api      *url.URL
	http     *retryablehttp.Client
	username string
	password string
	sink     progress.Sink
	logger   *slog.Logger
}

type Option func(*Client)

func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

func WithProgress(sink progress.Sink) Option {
	return func(c *Client) { c.sink = sink }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetry sets how often and how long apart failed requests are retried.
func WithRetry(retries int, wait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = retries
		c.http.RetryWaitMin = wait
		c.http.RetryWaitMax = wait
	}
}

func NewClient(api string, opts ...Option) (*Client, error) {
	u, err := url.Parse(api)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("obs api url %q: %w", api, errdefs.ErrInvalidArgument)
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	c := &Client{
		api:    u,
		http:   hc,
		sink:   progress.NoOp,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.Logger = c.logger
	return c, nil
}

func (c *Client) binaryURL(t Target, filename string) string {
	elems := []string{"build", t.Project, t.Repository, t.Arch, t.Package}
	if filename != "" {
		elems = append(elems, filename)
	}
	return c.api.JoinPath(elems...).String()
}

func (c *Client) get(ctx context.Context, op, u string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: op, URL: u, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		_ = resp.Body.Close()
		return nil, &Error{Op: op, URL: u, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// ListBinaries lists the build results of t.
func (c *Client) ListBinaries(ctx context.Context, t Target) ([]Binary, error) {
	u := c.binaryURL(t, "")
	resp, err := c.get(ctx, "list binaries", u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list binaryList
	if err := xml.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &Error{Op: "decode binary list", URL: u, Err: err}
	}
	return list.Binaries, nil
}

// SelectContainer picks the single container image among bins.
func SelectContainer(bins []Binary) (Binary, error) {
	var found []Binary
	for _, b := range bins {
		if strings.HasSuffix(b.Filename, ContainerSuffix) {
			found = append(found, b)
		}
	}

	switch len(found) {
	case 0:
		return Binary{}, fmt.Errorf("no %s file among %d build results: %w", ContainerSuffix, len(bins), errdefs.ErrNotFound)
	case 1:
		return found[0], nil
	default:
		names := make([]string, len(found))
		for i, b := range found {
			names[i] = b.Filename
		}
		return Binary{}, fmt.Errorf("multiple container images (%s): %w", strings.Join(names, ", "), errdefs.ErrFailedPrecondition)
	}
}

// Download streams one build result to w and returns the bytes written.
// The server must announce the content length.
func (c *Client) Download(ctx context.Context, t Target, filename string, w io.Writer) (int64, error) {
	u := c.binaryURL(t, filename)
	resp, err := c.get(ctx, "download", u)
	if err != nil {
		return 0, err
	}
	if resp.ContentLength < 0 {
		_ = resp.Body.Close()
		return 0, &Error{Op: "download", URL: u, Err: errors.New("missing content length")}
	}

	body := progress.NewReader(resp.Body, filename, resp.ContentLength, c.sink)
	defer body.Close()

	n, err := io.Copy(w, body)
	if err != nil {
		return n, &Error{Op: "download", URL: u, Err: err}
	}
	if n != resp.ContentLength {
		return n, &Error{Op: "download", URL: u, Err: fmt.Errorf("short body: %d of %d bytes", n, resp.ContentLength)}
	}
	return n, nil
}

// FetchContainer downloads the single container image built for t into
// dir. The file is named output, or after the build result when empty. An
// absolute output is used as given.
// A partial download never appears under the final name.
func (c *Client) FetchContainer(ctx context.Context, t Target, dir, output string) (string, error) {
	bins, err := c.ListBinaries(ctx, t)
	if err != nil {
		return "", err
	}
	bin, err := SelectContainer(bins)
	if err != nil {
		return "", fmt.Errorf("select container for %s: %w", t, err)
	}

	if output == "" {
		output = bin.Filename
	}
	dest := output
	if !filepath.IsAbs(output) {
		dest = filepath.Join(dir, output)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	c.logger.InfoContext(ctx, "downloading build result", "target", t.String(), "file", bin.Filename, "size", bin.Size)
	if _, err := c.Download(ctx, t, bin.Filename, tmp); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close download file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("move download into place: %w", err)
	}
	return dest, nil
}
