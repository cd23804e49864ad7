package s3store

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/chirino/workbench-service/internal/config"
	registryfiles "github.com/chirino/workbench-service/internal/registry/files"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryfiles.Register(registryfiles.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (registryfiles.FileStorage, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: S3_BUCKET is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}
	usePathStyle := cfg.S3UsePathStyle
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return &S3FileStorage{
		client: client,
		bucket: cfg.S3Bucket,
		prefix: strings.Trim(strings.TrimSpace(cfg.S3Prefix), "/"),
	}, nil
}

// S3FileStorage stores blobs under <prefix>/<namespace>/<name> in one bucket.
type S3FileStorage struct {
	client *s3.Client
	bucket string
	prefix string
}

// key returns the object key for a blob. The prefix is applied at access time
// and never persisted.
func (s *S3FileStorage) key(namespace, name string) string {
	if s.prefix != "" {
		return s.prefix + "/" + namespace + "/" + name
	}
	return namespace + "/" + name
}

// nsPrefix returns the listing prefix for a namespace, with trailing slash.
func (s *S3FileStorage) nsPrefix(namespace string) string {
	if s.prefix != "" {
		return s.prefix + "/" + namespace + "/"
	}
	return namespace + "/"
}

func (s *S3FileStorage) Write(ctx context.Context, namespace, name string, data io.Reader) (int64, error) {
	counting := &countingReader{r: data}
	objKey := s.key(namespace, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
		Body:   counting,
	})
	if err != nil {
		return 0, fmt.Errorf("s3store: put %s: %w", objKey, err)
	}
	return counting.n, nil
}

func (s *S3FileStorage) Open(ctx context.Context, namespace, name string) (io.ReadCloser, error) {
	objKey := s.key(namespace, name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: get %s: %w", objKey, err)
	}
	return out.Body, nil
}

func (s *S3FileStorage) Walk(ctx context.Context, namespace string, fn func(e registryfiles.Entry, r io.Reader) error) error {
	prefix := s.nsPrefix(namespace)
	// ListObjectsV2 returns keys in lexical (UTF-8 binary) order.
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3store: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objKey := aws.ToString(obj.Key)
			out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: &s.bucket,
				Key:    &objKey,
			})
			if err != nil {
				return fmt.Errorf("s3store: get %s: %w", objKey, err)
			}
			e := registryfiles.Entry{
				Name: strings.TrimPrefix(objKey, prefix),
				Size: aws.ToInt64(obj.Size),
			}
			err = fn(e, out.Body)
			_ = out.Body.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// CopyNamespace uses server-side CopyObject so blob bytes never transit the
// service.
func (s *S3FileStorage) CopyNamespace(ctx context.Context, srcNamespace, dstNamespace string) error {
	srcPrefix := s.nsPrefix(srcNamespace)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &srcPrefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3store: list %s: %w", srcPrefix, err)
		}
		for _, obj := range page.Contents {
			srcKey := aws.ToString(obj.Key)
			dstKey := s.key(dstNamespace, strings.TrimPrefix(srcKey, srcPrefix))
			copySource := s.bucket + "/" + srcKey
			_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     &s.bucket,
				Key:        &dstKey,
				CopySource: &copySource,
			})
			if err != nil {
				return fmt.Errorf("s3store: copy %s to %s: %w", srcKey, dstKey, err)
			}
		}
	}
	return nil
}

func (s *S3FileStorage) DeleteNamespace(ctx context.Context, namespace string) error {
	prefix := s.nsPrefix(namespace)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3store: list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &s.bucket,
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("s3store: delete under %s: %w", prefix, err)
		}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
