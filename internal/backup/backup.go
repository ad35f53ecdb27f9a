// Package backup copies the latest ledger document to an S3-compatible
// bucket in the background.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dmitrijs2005/nostreward/internal/logging"
)

const (
	objectName    = "codes.json"
	uploadTimeout = 30 * time.Second
)

// Config selects the bucket. Static credentials are used when AccessKey is
// set; otherwise the default AWS credential chain applies.
type Config struct {
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	Region    string `json:"region" yaml:"region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
}

func (c Config) Enabled() bool { return c.Bucket != "" }

var loadDefaultAWSConfig = config.LoadDefaultConfig

// NewS3Client builds a client for cfg. A custom endpoint switches to
// path-style addressing, which MinIO and most S3 clones expect.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Snapshotter uploads the most recent document offered to it. Offers made
// while an upload is running collapse into one follow-up upload.
type Snapshotter struct {
	up     Uploader
	bucket string
	key    string
	logger logging.Logger

	mu      sync.Mutex
	latest  []byte
	pending chan struct{}
}

func New(up Uploader, bucket, prefix string, logger logging.Logger) *Snapshotter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Snapshotter{
		up:      up,
		bucket:  bucket,
		key:     path.Join(prefix, objectName),
		logger:  logger,
		pending: make(chan struct{}, 1),
	}
}

func (s *Snapshotter) Key() string { return s.key }

// Offer records doc as the latest snapshot. It never blocks.
func (s *Snapshotter) Offer(doc []byte) {
	s.mu.Lock()
	s.latest = append([]byte(nil), doc...)
	s.mu.Unlock()

	select {
	case s.pending <- struct{}{}:
	default:
	}
}

func (s *Snapshotter) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.latest
	s.latest = nil
	return doc
}

// Run uploads offered snapshots until ctx is cancelled, then flushes one
// last pending snapshot.
func (s *Snapshotter) Run(ctx context.Context) {
	for {
		select {
		case <-s.pending:
			s.upload(ctx)
		case <-ctx.Done():
			select {
			case <-s.pending:
				s.upload(context.WithoutCancel(ctx))
			default:
			}
			return
		}
	}
}

func (s *Snapshotter) upload(ctx context.Context) {
	doc := s.take()
	if doc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	_, err := s.up.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		s.logger.Warn(ctx, "ledger backup failed", "bucket", s.bucket, "key", s.key, "error", err)
		return
	}
	s.logger.Debug(ctx, "ledger backed up", "bucket", s.bucket, "key", s.key, "bytes", len(doc))
}
