package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sc "threadsync/internal/server/config"
)

func newTestPresigner() *Presigner {
	return NewPresigner(&sc.Config{
		S3Region:       "us-east-1",
		S3RootUser:     "minioadmin",
		S3RootPassword: "minioadmin",
		S3BaseEndpoint: "http://127.0.0.1:9000",
		S3Bucket:       "files",
	})
}

func stubAWS(t *testing.T) {
	t.Helper()
	origLoad := loadDefaultAWSConfig
	origNewS3 := newS3ClientFromConfig
	origNewPre := newS3PresignClient
	origPut := presignPutObject
	origGet := presignGetObject
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNewS3
		newS3PresignClient = origNewPre
		presignPutObject = origPut
		presignGetObject = origGet
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, nil
	}
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return &s3.Client{}
	}
	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return &s3.PresignClient{}
	}
}

func TestClient_AppliesEndpointAndCredentials(t *testing.T) {
	p := newTestPresigner()
	stubAWS(t)

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "us-east-1", lo.Region)
		return aws.Config{}, nil
	}

	var capturedEndpoint string
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		var opts s3.Options
		for _, fn := range optFns {
			fn(&opts)
		}
		require.NotNil(t, opts.BaseEndpoint)
		capturedEndpoint = *opts.BaseEndpoint
		return &s3.Client{}
	}

	pc, err := p.client()
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.Equal(t, "http://127.0.0.1:9000", capturedEndpoint)

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("load-fail")
	}
	_, err = p.client()
	require.EqualError(t, err, "load-fail")
}

func TestPutURL_SignsCorrectObject(t *testing.T) {
	p := newTestPresigner()
	stubAWS(t)

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		assert.Equal(t, "files", *in.Bucket)
		assert.Equal(t, "files/f1", *in.Key)
		return &v4.PresignedHTTPRequest{URL: "http://signed/put"}, nil
	}

	url, err := p.PutURL(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "http://signed/put", url)
}

func TestGetURL_SignsCorrectObject(t *testing.T) {
	p := newTestPresigner()
	stubAWS(t)

	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		assert.Equal(t, "files", *in.Bucket)
		assert.Equal(t, "files/f1", *in.Key)
		return &v4.PresignedHTTPRequest{URL: "http://signed/get"}, nil
	}

	url, err := p.GetURL(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "http://signed/get", url)
}

func TestGetURL_PropagatesSignError(t *testing.T) {
	p := newTestPresigner()
	stubAWS(t)

	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return nil, errors.New("sign-fail")
	}

	_, err := p.GetURL(context.Background(), "f1")
	require.EqualError(t, err, "sign-fail")
}
