// Package blob issues presigned S3 URLs for file record content. The
// server never proxies the bytes; clients upload and download directly
// against object storage.
package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	sc "threadsync/internal/server/config"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

const urlExpiry = 15 * time.Minute

// Presigner signs short-lived upload and download URLs for file records.
type Presigner struct {
	config *sc.Config
}

func NewPresigner(config *sc.Config) *Presigner {
	return &Presigner{config: config}
}

// StorageKey maps a file record id to its object key.
func StorageKey(fileID string) string {
	return fmt.Sprintf("files/%s", fileID)
}

func (p *Presigner) client() (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(context.Background(),
		config.WithRegion(p.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			p.config.S3RootUser,     // MINIO_ROOT_USER
			p.config.S3RootPassword, // MINIO_ROOT_PASSWORD
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(p.config.S3BaseEndpoint)
	})

	return newS3PresignClient(client), nil
}

// PutURL presigns an upload URL for the file's object.
func (p *Presigner) PutURL(ctx context.Context, fileID string) (string, error) {
	presignClient, err := p.client()
	if err != nil {
		return "", err
	}

	bucket := p.config.S3Bucket
	key := StorageKey(fileID)

	req, err := presignPutObject(presignClient, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(urlExpiry))
	if err != nil {
		return "", err
	}

	return req.URL, nil
}

// GetURL presigns a download URL for the file's object.
func (p *Presigner) GetURL(ctx context.Context, fileID string) (string, error) {
	presignClient, err := p.client()
	if err != nil {
		return "", err
	}

	bucket := p.config.S3Bucket
	key := StorageKey(fileID)

	req, err := presignGetObject(presignClient, ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(urlExpiry))
	if err != nil {
		return "", err
	}

	return req.URL, nil
}
