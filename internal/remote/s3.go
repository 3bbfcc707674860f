package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the object storage backend.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // for S3-compatible stores (MinIO, R2)
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3 stores one JSON object per record at {prefix}{collection}/{id}.json.
// Fetch lists the collection prefix and filters by school_id client-side.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds an S3 client from the default AWS credential chain,
// overridden by static keys when given.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3) key(collection, id string) string {
	return s.prefix + collection + "/" + id + ".json"
}

// Ping checks that the bucket is reachable.
func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket: %w", err)
	}
	return nil
}

// Invoke maps per-collection actions onto objects.
func (s *S3) Invoke(ctx context.Context, req Request) Result {
	collection, verb, ok := ParseAction(req.Action)
	if !ok {
		return Unsupported(req.Action)
	}

	switch verb {
	case VerbUpsert:
		ref, err := decodePayload(req.Payload)
		if err != nil {
			return Fail(err)
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key(collection, ref.ID)),
			Body:        bytes.NewReader(req.Payload),
			ContentType: aws.String("application/json"),
			Metadata:    map[string]string{"school-id": ref.SchoolID},
		})
		if err != nil {
			return Fail(fmt.Errorf("put %s/%s: %w", collection, ref.ID, err))
		}
		return OK(nil)

	case VerbDelete:
		ref, err := decodePayload(req.Payload)
		if err != nil {
			return Fail(err)
		}
		// S3 deletes of missing keys succeed, so this is idempotent.
		_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(collection, ref.ID)),
		})
		if err != nil {
			return Fail(fmt.Errorf("delete %s/%s: %w", collection, ref.ID, err))
		}
		return OK(nil)

	case VerbFetch:
		records, err := s.fetch(ctx, collection, req.SchoolID)
		if err != nil {
			return Fail(err)
		}
		return OK(records)
	}
	return Unsupported(req.Action)
}

func (s *S3) fetch(ctx context.Context, collection, schoolID string) ([]json.RawMessage, error) {
	prefix := s.prefix + collection + "/"
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		for _, obj := range page.Contents {
			if k := aws.ToString(obj.Key); strings.HasSuffix(k, ".json") {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		data, err := s.get(ctx, k)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		if schoolID != "" {
			var ref recordRef
			if json.Unmarshal(data, &ref) != nil || ref.SchoolID != schoolID {
				continue
			}
		}
		out = append(out, data)
	}
	return out, nil
}

// get reads one object; a key deleted since listing yields nil.
func (s *S3) get(ctx context.Context, key string) (json.RawMessage, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
