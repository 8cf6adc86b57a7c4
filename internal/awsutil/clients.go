package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"chatsync/internal/config"
)

func load(ctx context.Context, c config.AWS) (aws.Config, error) {
	opts := []func(*configv2.LoadOptions) error{
		configv2.WithRegion(c.AWSRegion),
	}
	// LocalStack accepts any static credentials
	if c.LocalstackEndpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}
	return configv2.LoadDefaultConfig(ctx, opts...)
}

func NewSQSClient(ctx context.Context, c config.AWS) (*sqs.Client, error) {
	cfg, err := load(ctx, c)
	if err != nil {
		return nil, err
	}
	if c.LocalstackEndpoint != "" {
		return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(c.LocalstackEndpoint)
		}), nil
	}
	return sqs.NewFromConfig(cfg), nil
}

func NewS3Client(ctx context.Context, c config.AWS) (*s3.Client, error) {
	cfg, err := load(ctx, c)
	if err != nil {
		return nil, err
	}
	if c.LocalstackEndpoint != "" {
		return s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(c.LocalstackEndpoint)
			o.UsePathStyle = true
		}), nil
	}
	return s3.NewFromConfig(cfg), nil
}
