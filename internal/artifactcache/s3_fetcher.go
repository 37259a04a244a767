package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/slidecast/internal/observability"
)

// S3Config configures access to slide artifacts stored in an
// S3-compatible bucket and referenced as s3://bucket/key.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Fetcher downloads s3://bucket/key artifacts.
type S3Fetcher struct {
	client   *s3.Client
	MaxBytes int64
	Tracer   *observability.Tracer
	Metrics  *observability.Metrics
	Observe  func(time.Duration)
}

// NewS3Fetcher builds a client from the default AWS credential chain,
// overridden by static keys when both are set.
func NewS3Fetcher(ctx context.Context, cfg S3Config) (*S3Fetcher, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Fetcher{client: client, MaxBytes: defaultMaxArtifactBytes}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string) (data []byte, err error) {
	ctx, span := f.Tracer.Start(ctx, "fetch.artifact", "s3.url", rawURL)
	defer func() { observability.End(span, err) }()

	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var apiErr smithy.APIError
		if errors.As(err, &noSuchKey) || (errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NotFound")) {
			return nil, fmt.Errorf("s3 get object %s: %w", rawURL, ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxArtifactBytes
	}
	data, err = io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("artifact exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("artifact is empty")
	}

	elapsed := time.Since(start)
	f.Metrics.ObserveFetch(elapsed.Seconds())
	if f.Observe != nil {
		f.Observe(elapsed)
	}
	return data, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse artifact url: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 url: %q", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url has no key: %q", rawURL)
	}
	return u.Host, key, nil
}

// SchemeFetcher routes s3:// URLs to S3 and everything else to HTTP.
type SchemeFetcher struct {
	HTTP Fetcher
	// S3 may be nil, in which case s3:// URLs fail.
	S3 Fetcher
}

func (f *SchemeFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "s3://") {
		if f.S3 == nil {
			return nil, fmt.Errorf("s3 artifacts are not configured: %s", rawURL)
		}
		return f.S3.Fetch(ctx, rawURL)
	}
	return f.HTTP.Fetch(ctx, rawURL)
}
