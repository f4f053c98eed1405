package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/brunobiangulo/poalegal/retrieval"
)

// S3Config selects the archive bucket. Empty values fall back to the
// standard AWS configuration chain.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Prefix       string `json:"prefix" yaml:"prefix"`
	Region       string `json:"region" yaml:"region"`
	Profile      string `json:"profile" yaml:"profile"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives artifacts as JSON objects keyed by date and case.
type S3Sink struct {
	client s3PutAPI
	bucket string
	prefix string
}

func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifacts: s3 bucket is empty")
	}
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Sink(c, cfg.Bucket, cfg.Prefix), nil
}

func newS3Sink(client s3PutAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Sink) Name() string { return "s3" }

// Key is the object key an artifact is stored under.
func (s *S3Sink) Key(a *retrieval.StorableArtifact) string {
	caseID := a.CaseID
	if caseID == "" {
		caseID = "_"
	}
	return path.Join(s.prefix, "date="+timestamp(a).Format("2006-01-02"), caseID, a.ArtifactID+".json")
}

func (s *S3Sink) Save(ctx context.Context, a *retrieval.StorableArtifact) error {
	data, err := Encode(a)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(a)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", s.bucket, s.Key(a), err)
	}
	return nil
}
