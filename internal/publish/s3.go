// Package publish mirrors verified downloads to an S3-compatible bucket.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"hydrophone-downloader/internal/download"
	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/models"
)

const sha256Meta = "sha256"

// Config selects the target bucket.
type Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"pathStyle"`
	Prefix    string `mapstructure:"prefix"`
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool { return c.Bucket != "" }

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Publisher is a download.PostProcessor that uploads each file to
// s3://bucket/prefix/<slug>/<name>. Objects already holding the same content are left alone.
type S3Publisher struct {
	client objectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

var _ download.PostProcessor = (*S3Publisher)(nil)

// NewS3Publisher loads the default AWS credential chain.
func NewS3Publisher(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Publisher, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newPublisher(client, cfg, logger), nil
}

func newPublisher(client objectAPI, cfg Config, logger *slog.Logger) *S3Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &S3Publisher{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func (p *S3Publisher) Name() string { return "s3" }

// Key is the object key for f.
func (p *S3Publisher) Key(d models.RequestDescriptor, f download.LocalFile) string {
	return path.Join(p.prefix, d.Slug(), f.Name)
}

func (p *S3Publisher) Process(ctx context.Context, d models.RequestDescriptor, f download.LocalFile) error {
	key := p.Key(d, f)
	if p.current(ctx, key, f) {
		p.logger.Debug("object up to date", "bucket", p.bucket, "key", key)
		return nil
	}

	body, err := os.Open(f.Path)
	if err != nil {
		return errkind.New(errkind.IO, "publish", err)
	}
	defer body.Close()

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(f.Size),
		ContentType:   aws.String(contentType(f.Name)),
		Metadata:      map[string]string{sha256Meta: f.SHA256},
	})
	if err != nil {
		if ctx.Err() != nil {
			return errkind.New(errkind.Cancelled, "publish", err)
		}
		return errkind.New(errkind.TransientNetwork, "publish", fmt.Errorf("put object: %w", err))
	}
	p.logger.Info("published", "uri", fmt.Sprintf("s3://%s/%s", p.bucket, key), "bytes", f.Size)
	return nil
}

// current reports whether key already holds f's content. Any lookup error means upload.
func (p *S3Publisher) current(ctx context.Context, key string, f download.LocalFile) bool {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false
	}
	return aws.ToInt64(out.ContentLength) == f.Size && out.Metadata[sha256Meta] == f.SHA256
}

func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
