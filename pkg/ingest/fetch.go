package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/jobctx"
)

// DefaultMaxDocumentSize bounds a downloaded document.
const DefaultMaxDocumentSize = 32 << 20

// ObjectGetter is the subset of the S3 client Fetcher uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher resolves Input.Source to bytes.
type Fetcher struct {
	HTTP    *http.Client
	S3      ObjectGetter
	MaxSize int64
}

// Fetch reads in.Content or the object in.Source names.
func (f *Fetcher) Fetch(ctx context.Context, in Input) (Raw, error) {
	if in.Content != "" {
		return Raw{Content: in.Content, ContentType: "text/plain", Size: len(in.Content)}, nil
	}
	if in.Source == "" {
		return Raw{}, core.InvalidInput(errors.New("input has neither content nor source"))
	}

	u, err := url.Parse(in.Source)
	if err != nil {
		return Raw{}, core.InvalidInput(fmt.Errorf("parse source: %w", err))
	}
	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, in.Source)
	case "s3":
		return f.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "", "file":
		path := in.Source
		if u.Scheme == "file" {
			path = u.Path
		}
		return f.fetchFile(path)
	default:
		return Raw{}, core.InvalidInput(fmt.Errorf("unsupported source scheme %q", u.Scheme))
	}
}

func (f *Fetcher) maxSize() int64 {
	if f.MaxSize > 0 {
		return f.MaxSize
	}
	return DefaultMaxDocumentSize
}

func (f *Fetcher) read(r io.Reader, contentType string) (Raw, error) {
	limit := f.maxSize()
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return Raw{}, core.Transient(fmt.Errorf("read document: %w", err))
	}
	if int64(len(data)) > limit {
		return Raw{}, core.InvalidInput(fmt.Errorf("document exceeds %d bytes", limit))
	}
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mt
		}
	}
	return Raw{Content: string(data), ContentType: contentType, Size: len(data)}, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, source string) (Raw, error) {
	client := f.HTTP
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return Raw{}, core.InvalidInput(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Raw{}, core.Transient(fmt.Errorf("fetch %s: %w", source, err))
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return Raw{}, err
	}
	jobctx.Logger(ctx).Debug("downloaded document", "status", resp.StatusCode, "length", resp.ContentLength)
	return f.read(resp.Body, resp.Header.Get("Content-Type"))
}

// statusError maps an HTTP status onto the retry taxonomy.
func statusError(resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("source returned %d %s", code, http.StatusText(code))
	switch {
	case code == http.StatusUnauthorized, code == http.StatusPaymentRequired, code == http.StatusForbidden:
		return core.Gated(err)
	case code == http.StatusTooManyRequests || code >= 500:
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return core.RetryAfter(time.Duration(secs)*time.Second, err)
		}
		return core.Transient(err)
	default:
		return core.Permanent(err)
	}
}

func (f *Fetcher) fetchS3(ctx context.Context, bucket, key string) (Raw, error) {
	if f.S3 == nil {
		return Raw{}, core.Permanent(errors.New("s3 source configured without a client"))
	}
	if bucket == "" || key == "" {
		return Raw{}, core.InvalidInput(errors.New("s3 source needs s3://bucket/key"))
	}
	out, err := f.S3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Raw{}, core.Permanent(fmt.Errorf("s3://%s/%s: %w", bucket, key, err))
		}
		return Raw{}, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return f.read(out.Body, aws.ToString(out.ContentType))
}

func (f *Fetcher) fetchFile(path string) (Raw, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Raw{}, core.Permanent(err)
		}
		return Raw{}, err
	}
	defer file.Close()
	return f.read(file, mime.TypeByExtension(filepath.Ext(path)))
}
