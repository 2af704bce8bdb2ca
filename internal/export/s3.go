package export

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures the S3-backed sink factory.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	SpoolDir  string
}

// S3SinkFactory spools each export to a local temp file and uploads it on
// finalize, so very large result sets never sit fully in memory.
type S3SinkFactory struct {
	client *s3.Client
	opts   S3Options
}

// NewS3SinkFactory builds the AWS client, honoring a custom endpoint for
// S3-compatible stores in dev.
func NewS3SinkFactory(ctx context.Context, opts S3Options) (*S3SinkFactory, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	})
	return &S3SinkFactory{client: client, opts: opts}, nil
}

func (f *S3SinkFactory) Open(ctx context.Context, jobID, format string) (Sink, error) {
	spool := f.opts.SpoolDir
	if spool == "" {
		spool = os.TempDir()
	}
	local, err := LocalSinkFactory{BaseDir: spool}.Open(ctx, jobID, format)
	if err != nil {
		return nil, err
	}
	return &s3Sink{
		local:  local.(*fileSink),
		client: f.client,
		bucket: f.opts.Bucket,
		key:    fileName(jobID, format),
		format: normalizeFormat(format),
	}, nil
}

type s3Sink struct {
	local  *fileSink
	client *s3.Client
	bucket string
	key    string
	format string
}

func (s *s3Sink) AppendChunk(ctx context.Context, records []Record) error {
	return s.local.AppendChunk(ctx, records)
}

func (s *s3Sink) Finalize(ctx context.Context) (string, error) {
	path, err := s.local.Finalize(ctx)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open spool file: %w", err)
	}
	defer file.Close()

	contentType := "application/x-ndjson"
	if s.format == FormatCSV {
		contentType = "text/csv"
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        file,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key), nil
}

func (s *s3Sink) Discard() error {
	return s.local.Discard()
}
