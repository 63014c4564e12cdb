// Package s3 implements internal/remote.Store against an S3-compatible
// endpoint, the transport Backblaze B2 exposes via its S3-compatible API.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/vaultback/vaultback/internal/remote"
	"github.com/vaultback/vaultback/internal/vaulterr"
)

// Config configures the S3-compatible store.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool

	// AccessKeyID/SecretAccessKey are B2's application key id/secret;
	// B2's S3-compatible API takes the application key pair as a regular
	// access key id/secret pair. Left empty, the SDK falls back to its
	// normal default credential chain (env vars, shared config, instance
	// role).
	AccessKeyID     string
	SecretAccessKey string

	// MaxRetries bounds the exponential-backoff retry loop for transient
	// transport failures.
	MaxRetries int

	// RequestTimeout is the per-request timeout. Defaults to 60s.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Store is an S3-backed remote.Store.
type Store struct {
	client *s3.Client
	cfg    Config
}

var _ remote.Store = (*Store)(nil)

// New wraps an existing S3 client.
func New(client *s3.Client, cfg Config) *Store {
	return &Store{client: client, cfg: cfg.withDefaults()}
}

// NewFromConfig builds an S3 client from cfg and wraps it.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindConfig, "s3.NewFromConfig", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return New(client, cfg), nil
}

// withRetry retries op with exponential backoff, but only for errors the
// error taxonomy marks retryable; IntegrityError/ConcurrencyError-shaped
// failures (not-found, already-exists) must surface immediately.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.MaxRetries)),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isNotFoundError(err) || isAlreadyExistsError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	exists, err := s.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return vaulterr.ErrObjectExists
	}

	err = s.withRetry(ctx, func() error {
		_, putErr := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(name),
			Body:        bytes.NewReader(data),
			IfNoneMatch: aws.String("*"),
		})
		return putErr
	})
	if err != nil {
		if isAlreadyExistsError(err) {
			return vaulterr.ErrObjectExists
		}
		return vaulterr.New(vaulterr.KindRemote, "s3.Put", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	var data []byte
	err := s.withRetry(ctx, func() error {
		resp, getErr := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(name),
		})
		if getErr != nil {
			return getErr
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		data = body
		return nil
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, vaulterr.ErrObjectNotFound
		}
		return nil, vaulterr.New(vaulterr.KindRemote, "s3.Get", err)
	}
	return data, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	var names []string
	err := s.withRetry(ctx, func() error {
		names = names[:0]
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.cfg.Bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, pageErr := paginator.NextPage(ctx)
			if pageErr != nil {
				return pageErr
			}
			for _, obj := range page.Contents {
				names = append(names, *obj.Key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindRemote, "s3.List", err)
	}
	return names, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	err := s.withRetry(ctx, func() error {
		_, delErr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(name),
		})
		return delErr
	})
	if err != nil && !isNotFoundError(err) {
		return vaulterr.New(vaulterr.KindRemote, "s3.Delete", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var found bool
	err := s.withRetry(ctx, func() error {
		_, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(name),
		})
		if headErr != nil {
			if isNotFoundError(headErr) {
				found = false
				return nil
			}
			return headErr
		}
		found = true
		return nil
	})
	if err != nil {
		return false, vaulterr.New(vaulterr.KindRemote, "s3.Exists", err)
	}
	return found, nil
}

// HealthCheck confirms the bucket is reachable and authorized.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		return vaulterr.New(vaulterr.KindRemote, "s3.HealthCheck", err)
	}
	return nil
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	// B2's S3-compatible endpoint doesn't always populate the typed SDK
	// error variants, so fall back to matching the message.
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "PreconditionFailed") || strings.Contains(msg, "412")
}
