package fetch

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
)

const (
	s3PartSize    = 16 << 20
	s3Concurrency = 4
)

// splitObjectURL returns the bucket and object key of s3:// and gs:// URLs.
func splitObjectURL(u *url.URL) (string, string, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.Newf(errors.ErrorTypeValidation, "%s url needs a bucket and an object: %q", u.Scheme, u.String())
	}
	return bucket, key, nil
}

type s3Getter struct {
	downloader *manager.Downloader
}

func newS3Getter(ctx context.Context, cfg config.FetchConfig) (*s3Getter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Getter{
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = s3PartSize
			d.Concurrency = s3Concurrency
		}),
	}, nil
}

// Get implements Getter. Parts are written at their offsets in dst.
func (g *s3Getter) Get(ctx context.Context, u *url.URL, dst *os.File) (int64, error) {
	bucket, key, err := splitObjectURL(u)
	if err != nil {
		return 0, err
	}
	return g.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
}

type gcsGetter struct {
	client *storage.Client
}

func newGCSGetter(ctx context.Context, cfg config.FetchConfig) (*gcsGetter, error) {
	var opts []option.ClientOption
	if cfg.GCSEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.GCSEndpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &gcsGetter{client: client}, nil
}

// Get implements Getter.
func (g *gcsGetter) Get(ctx context.Context, u *url.URL, dst *os.File) (int64, error) {
	bucket, object, err := splitObjectURL(u)
	if err != nil {
		return 0, err
	}

	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	return io.Copy(dst, r)
}
