package objstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// S3Gateway talks to the S3 API directly, for deployments where the mc CLI
// is not installed next to Echoport. Works against MinIO with path-style
// addressing.
type S3Gateway struct {
	client *s3.Client
	logger zerolog.Logger
}

func NewS3Gateway(endpoint, accessKey, secretKey, region string, logger zerolog.Logger) *S3Gateway {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		UsePathStyle: true,
	})
	return &S3Gateway{
		client: client,
		logger: logger.With().Str("component", "s3-gateway").Logger(),
	}
}

// Delete removes an object. S3 DeleteObject succeeds for absent keys, which
// gives the idempotence the cleanup engine needs for free.
func (g *S3Gateway) Delete(ctx context.Context, bucket, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			g.logger.Info().Str("bucket", bucket).Str("key", key).Msg("object already deleted")
			return nil
		}
		return fmt.Errorf("delete s3://%s/%s: %w", bucket, key, err)
	}
	g.logger.Info().Str("bucket", bucket).Str("key", key).Msg("deleted object")
	return nil
}

// Exists reports whether an object is present.
func (g *S3Gateway) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("stat s3://%s/%s: %w", bucket, key, err)
	}
	return true, nil
}
