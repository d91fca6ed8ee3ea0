package artifact

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	awshttp "github.com/aws/smithy-go/transport/http"
	"github.com/labops/deploystep/logger"
)

const (
	regionHintEnvVar = "DEPLOYSTEP_S3_DEFAULT_REGION"
	s3EndpointEnvVar = "DEPLOYSTEP_S3_ENDPOINT"
)

// envCredentialsProvider takes credentials from DEPLOYSTEP_S3_* variables,
// falling back to the default AWS chain.
type envCredentialsProvider struct {
	next aws.CredentialsProvider
}

func (p envCredentialsProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	creds := aws.Credentials{
		CanExpire:       false,
		AccessKeyID:     os.Getenv("DEPLOYSTEP_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("DEPLOYSTEP_S3_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("DEPLOYSTEP_S3_SESSION_TOKEN"),
		Source:          "envCredentialsProvider",
	}

	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		if p.next == nil {
			return aws.Credentials{}, errors.New("no AWS credentials found")
		}
		return p.next.Retrieve(ctx)
	}

	return creds, nil
}

// loadAWSConfig loads the default AWS config. When nothing local names a
// region it is taken from the EC2 instance metadata service.
func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithSharedConfigProfile(cmp.Or(os.Getenv("DEPLOYSTEP_S3_PROFILE"), os.Getenv("AWS_PROFILE"))),
	}

	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return cfg, fmt.Errorf("error loading default config: %w", err)
	}

	if cfg.Region == "" {
		out, err := imds.NewFromConfig(cfg).GetRegion(ctx, &imds.GetRegionInput{})
		if err != nil {
			return cfg, fmt.Errorf("error getting region using imds: %w", err)
		}
		cfg.Region = out.Region
	}

	cfg.Credentials = envCredentialsProvider{next: cfg.Credentials}
	return cfg, nil
}

// NewS3Client returns a client for the region bucket lives in, after
// checking that the credentials can see it.
func NewS3Client(ctx context.Context, l logger.Logger, bucket string) (*s3.Client, error) {
	regionHint := os.Getenv(regionHintEnvVar)
	if regionHint != "" {
		l.Debug("Using bucket region %q from environment variable %q", regionHint, regionHintEnvVar)
	}

	cfg, err := loadAWSConfig(ctx, regionHint)
	if err != nil {
		return nil, fmt.Errorf("could not load the AWS SDK config: %w", err)
	}

	if regionHint == "" {
		bucketRegion, err := manager.GetBucketRegion(ctx, s3.NewFromConfig(cfg), bucket)
		if err != nil || bucketRegion == "" {
			l.Warn("Could not discover region for bucket %q, using %q. Set %s if this is wrong. (%v)",
				bucket, cfg.Region, regionHintEnvVar, err)
		} else {
			l.Debug("Discovered %q bucket region as %q", bucket, bucketRegion)
			cfg.Region = bucketRegion
		}
	}

	// S3-compatible servers such as MinIO generally want path-style
	// addressing.
	usePathStyle := false
	if endpoint := os.Getenv(s3EndpointEnvVar); endpoint != "" {
		l.Debug("S3 endpoint from %s: %q, using path-style addressing", s3EndpointEnvVar, endpoint)
		cfg.BaseEndpoint = aws.String(endpoint)
		usePathStyle = true
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	l.Debug("Testing AWS S3 credentials for bucket %q in region %q...", bucket, cfg.Region)

	_, err = client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(0),
	})
	if isAWSAuthFailure(err) {
		return nil, fmt.Errorf("could not authenticate to AWS S3 for bucket %q: set DEPLOYSTEP_S3_ACCESS_KEY_ID and DEPLOYSTEP_S3_SECRET_ACCESS_KEY, DEPLOYSTEP_S3_PROFILE, or the standard AWS variables", bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("could not s3:ListObjectsV2 in bucket %q in region %q: %w", bucket, cfg.Region, err)
	}

	return client, nil
}

func isAWSAuthFailure(err error) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusForbidden
	}
	return false
}

// ParseS3Destination splits s3://bucket/some/prefix into bucket and prefix.
func ParseS3Destination(destination string) (bucket, prefix string) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(destination, "s3://"), "/")
	bucket, prefix, _ = strings.Cut(trimmed, "/")
	return bucket, prefix
}

type S3UploaderConfig struct {
	BucketName string
	BucketPath string
}

// S3Uploader uploads files to a bucket.
type S3Uploader struct {
	conf     S3UploaderConfig
	client   *s3.Client
	uploader *manager.Uploader
	logger   logger.Logger
}

func NewS3Uploader(ctx context.Context, l logger.Logger, c S3UploaderConfig) (*S3Uploader, error) {
	client, err := NewS3Client(ctx, l, c.BucketName)
	if err != nil {
		return nil, err
	}

	return &S3Uploader{
		conf:     c,
		client:   client,
		uploader: manager.NewUploader(client),
		logger:   l,
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, localPath, name string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %q (%w)", localPath, err)
	}
	defer f.Close() //nolint:errcheck // File open for read only.

	key := path.Join(u.conf.BucketPath, name)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.conf.BucketName),
		Key:         aws.String(key),
		ContentType: aws.String(contentType(name)),
		Body:        f,
	}
	if strings.EqualFold(os.Getenv("DEPLOYSTEP_S3_SSE_ENABLED"), "true") {
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	}

	u.logger.Debug("Uploading %s to s3://%s/%s", localPath, u.conf.BucketName, key)

	if _, err := u.uploader.Upload(ctx, input); err != nil {
		return "", err
	}
	return "s3://" + u.conf.BucketName + "/" + key, nil
}
