package connectors

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3Destination struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Destination(ctx context.Context) (Destination, error) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET required for the s3 destination")
	}
	prefix := os.Getenv("S3_PREFIX")
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &s3Destination{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *s3Destination) Name() string {
	return "s3"
}

func (s *s3Destination) Store(ctx context.Context, obj Object) error {
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(s.prefix, obj)),
		Body:          obj.Body,
		ContentLength: aws.Int64(obj.Size),
		ACL:           types.ObjectCannedACLPrivate,
		Metadata: map[string]string{
			"file_name":  obj.FileName,
			"session_id": obj.SessionID,
		},
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}
