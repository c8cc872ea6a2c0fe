package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Transport retrieves the resource named by a URL into dst.
type Transport interface {
	Fetch(ctx context.Context, source *url.URL, dst io.Writer) (int64, error)
}

// DefaultTransports returns the transports available without extra configuration.
func DefaultTransports() map[string]Transport {
	httpTransport := &HTTPTransport{}
	return map[string]Transport{
		"http":  httpTransport,
		"https": httpTransport,
		"file":  FileTransport{},
	}
}

// HTTPTransport downloads over HTTP(S).
type HTTPTransport struct {
	Client    *http.Client
	UserAgent string
}

func (t *HTTPTransport) Fetch(ctx context.Context, source *url.URL, dst io.Writer) (int64, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.String(), nil)
	if err != nil {
		return 0, err
	}
	agent := t.UserAgent
	if agent == "" {
		agent = "xbuild"
	}
	req.Header.Set("User-Agent", agent)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return io.Copy(dst, resp.Body)
}

// FileTransport copies archives from the local filesystem, useful for offline
// mirrors.
type FileTransport struct{}

func (FileTransport) Fetch(_ context.Context, source *url.URL, dst io.Writer) (int64, error) {
	path := source.Path
	if path == "" {
		path = source.Opaque
	}

	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	return io.Copy(dst, src)
}

// S3Transport fetches archives from an S3-compatible mirror using URLs of the
// form s3://bucket/key.
type S3Transport struct {
	Client *minio.Client
}

// NewS3Transport connects to endpoint with credentials taken from the standard
// AWS or MinIO environment variables.
func NewS3Transport(endpoint string, secure bool) (*S3Transport, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		}),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Transport{Client: client}, nil
}

func (t *S3Transport) Fetch(ctx context.Context, source *url.URL, dst io.Writer) (int64, error) {
	if t.Client == nil {
		return 0, errors.New("s3 client is not configured")
	}

	bucket := source.Host
	key := strings.TrimPrefix(source.Path, "/")
	if bucket == "" || key == "" {
		return 0, fmt.Errorf("invalid s3 location %q", source.String())
	}

	object, err := t.Client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, err
	}
	defer object.Close()

	return io.Copy(dst, object)
}
