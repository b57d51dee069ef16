package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "walletwatch/config"
	"walletwatch/internal/ratelimit"
	"walletwatch/logger"
)

type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps the rate limit state as a single JSON object in a bucket.
type S3Store struct {
	client objectAPI
	bucket string
	key    string
	log    *logger.Log
}

// NewS3Store loads the AWS configuration the same way for every deployment:
// static keys when configured, otherwise the default credential chain.
func NewS3Store(ctx context.Context, cfg appconfig.S3Config) (*S3Store, error) {
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_store").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("s3_store").WithFields(logger.Fields{
		"region": cfg.Region,
		"bucket": cfg.Bucket,
		"key":    cfg.Key,
	}).Debug("s3 state store initialized")

	return newS3Store(client, cfg.Bucket, cfg.Key), nil
}

func newS3Store(client objectAPI, bucket, key string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key, log: logger.GetLogger()}
}

func (s *S3Store) Load(ctx context.Context) (ratelimit.State, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return ratelimit.State{Entries: map[string]time.Time{}}, nil
		}
		return ratelimit.State{}, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return ratelimit.State{}, fmt.Errorf("read s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return ratelimit.DecodeState(b)
}

func (s *S3Store) Save(ctx context.Context, st ratelimit.State) error {
	b, err := ratelimit.EncodeState(st)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(b),
		ContentLength: aws.Int64(int64(len(b))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, s.key, err)
	}
	logger.LogPerformanceEntry(s.log.WithComponent("s3_store"), "s3_store", "put_state", time.Since(start), logger.Fields{
		"bytes":   len(b),
		"entries": len(st.Entries),
	})
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	return errors.As(err, &nf)
}
