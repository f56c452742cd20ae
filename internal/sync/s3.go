package sync

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures an S3Destination.
type S3Options struct {
	Bucket string
	// Key is the object key. A "{date}" placeholder is replaced with the UTC
	// date of the export, which keeps one object per day.
	Key    string
	Region string
	// Endpoint selects an S3-compatible service such as MinIO and switches
	// to path-style addressing.
	Endpoint string
}

// S3Destination writes the violation export to an S3-compatible bucket.
type S3Destination struct {
	client *s3.Client
	opts   S3Options
	now    func() time.Time
}

// NewS3Destination creates an S3 destination. Credentials come from the
// default AWS chain (environment, shared files, instance role).
func NewS3Destination(ctx context.Context, opts S3Options) (*S3Destination, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if opts.Key == "" {
		opts.Key = "trafficmind/violations.jsonl"
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Destination{
		client: s3.NewFromConfig(cfg, s3opts...),
		opts:   opts,
		now:    time.Now,
	}, nil
}

// ObjectKey returns the key the next export is written to.
func (d *S3Destination) ObjectKey() string {
	return strings.ReplaceAll(d.opts.Key, "{date}", d.now().UTC().Format("2006-01-02"))
}

// String names the destination in logs.
func (d *S3Destination) String() string {
	return "s3://" + d.opts.Bucket + "/" + d.ObjectKey()
}

// Write uploads data as the export object.
func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.opts.Bucket),
		Key:           aws.String(d.ObjectKey()),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}
