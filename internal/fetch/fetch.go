// Package fetch reads stem resources from HTTP, Google Cloud Storage and the
// local filesystem.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const googleStorageHost = "https://storage.googleapis.com"

var ErrUnsupportedURL = errors.New("unsupported URL")

// Progress is called as bytes arrive. total is -1 when unknown.
type Progress func(read, total int64)

type Client struct {
	httpClient      *http.Client
	credentialsFile string

	gcsOnce   sync.Once
	gcsClient *storage.Client
	gcsErr    error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithGoogleCredentialsFile authenticates Cloud Storage reads. Without it,
// gs:// objects are read anonymously and storage.googleapis.com URLs go
// through plain HTTP.
func WithGoogleCredentialsFile(path string) Option {
	return func(c *Client) { c.credentialsFile = path }
}

func New(opts ...Option) *Client {
	c := &Client{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open returns a reader over the resource and its size, -1 when unknown.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	switch {
	case strings.HasPrefix(rawURL, "gs://"):
		bucket, object, err := splitBucketPath(strings.TrimPrefix(rawURL, "gs://"))
		if err != nil {
			return nil, 0, err
		}
		return c.openGCS(ctx, bucket, object)

	case strings.HasPrefix(rawURL, googleStorageHost+"/") && c.credentialsFile != "":
		bucket, object, err := splitBucketPath(strings.TrimPrefix(rawURL, googleStorageHost+"/"))
		if err != nil {
			return nil, 0, err
		}
		return c.openGCS(ctx, bucket, object)

	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return c.openHTTP(ctx, rawURL)

	case strings.HasPrefix(rawURL, "file://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid file URL %s: %w", rawURL, err)
		}
		return openFile(u.Path)

	case strings.Contains(rawURL, "://"):
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedURL, rawURL)

	default:
		return openFile(rawURL)
	}
}

// SourceInfo describes a kind of URL the client reads from.
type SourceInfo struct {
	Scheme      string `json:"scheme"`
	Description string `json:"description"`
	Available   bool   `json:"available"`
}

// Sources lists the URL kinds Open understands.
func (c *Client) Sources() []SourceInfo {
	return []SourceInfo{
		{Scheme: "https://", Description: "HTTP(S) download", Available: true},
		{Scheme: "gs://", Description: "Google Cloud Storage object", Available: true},
		{Scheme: googleStorageHost + "/", Description: "Google Cloud Storage object with credentials", Available: c.credentialsFile != ""},
		{Scheme: "file://", Description: "local file", Available: true},
	}
}

// Fetch reads the whole resource into memory.
func (c *Client) Fetch(ctx context.Context, rawURL string, progress func(read, total int64)) ([]byte, error) {
	rc, size, err := c.Open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if progress != nil {
		r = &progressReader{r: rc, total: size, fn: progress}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	return data, nil
}

// Close releases the Cloud Storage client if one was created.
func (c *Client) Close() error {
	if c.gcsClient != nil {
		return c.gcsClient.Close()
	}
	return nil
}

func (c *Client) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid URL %s: %w", rawURL, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request to %s failed: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("request to %s failed: HTTP %d", rawURL, resp.StatusCode)
	}

	return resp.Body, resp.ContentLength, nil
}

func (c *Client) openGCS(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	client, err := c.storage()
	if err != nil {
		return nil, 0, err
	}

	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	slog.Debug("Reading object from Cloud Storage", "bucket", bucket, "object", object, "size", reader.Attrs.Size)
	return reader, reader.Attrs.Size, nil
}

func (c *Client) storage() (*storage.Client, error) {
	c.gcsOnce.Do(func() {
		opt := option.WithoutAuthentication()
		if c.credentialsFile != "" {
			opt = option.WithCredentialsFile(c.credentialsFile)
		}
		c.gcsClient, c.gcsErr = storage.NewClient(context.Background(), opt)
		if c.gcsErr != nil {
			c.gcsErr = fmt.Errorf("failed to create Google Cloud Storage client: %w", c.gcsErr)
		}
	})
	return c.gcsClient, c.gcsErr
}

func openFile(path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return f, info.Size(), nil
}

func splitBucketPath(bucketAndPath string) (string, string, error) {
	chunks := strings.SplitN(bucketAndPath, "/", 2)
	if len(chunks) != 2 || chunks[0] == "" || chunks[1] == "" {
		return "", "", fmt.Errorf("%w: not a Cloud Storage object path: %s", ErrUnsupportedURL, bucketAndPath)
	}
	return chunks[0], chunks[1], nil
}

type progressReader struct {
	r     io.Reader
	read  int64
	total int64
	fn    Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.fn(p.read, p.total)
	}
	return n, err
}
