package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 streams objects from an S3-compatible bucket. Object keys are the relative
// media paths.
type S3 struct {
	client *s3.Client // AWS S3 client
	bucket string     // bucket holding the media tree
}

// NewS3 creates an S3 deliverer.
// It supports both AWS S3 and S3-compatible services like MinIO.
func NewS3(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string) (*S3, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})
	return &S3{client: client, bucket: bucket}, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3) Deliver(w http.ResponseWriter, r *http.Request, p string) error {
	if r.Method == http.MethodHead {
		out, err := s.client.HeadObject(r.Context(), &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(p),
		})
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get object metadata: %w", err)
		}
		h := w.Header()
		SetHeaders(h, p)
		setObjectHeaders(h, out.ContentLength, out.LastModified, out.ETag)
		h.Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		return nil
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p),
	}
	if rng := r.Header.Get("Range"); rng != "" {
		in.Range = aws.String(rng)
	}
	out, err := s.client.GetObject(r.Context(), in)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get object: %w", err)
	}
	defer out.Body.Close()

	h := w.Header()
	SetHeaders(h, p)
	setObjectHeaders(h, out.ContentLength, out.LastModified, out.ETag)
	h.Set("Accept-Ranges", "bytes")
	status := http.StatusOK
	if out.ContentRange != nil {
		h.Set("Content-Range", *out.ContentRange)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	// the status line is already out; a copy error only means the client went away
	_, _ = io.Copy(w, out.Body)
	return nil
}

func setObjectHeaders(h http.Header, length *int64, modified *time.Time, etag *string) {
	if length != nil {
		h.Set("Content-Length", strconv.FormatInt(*length, 10))
	}
	if modified != nil {
		h.Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
	}
	if etag != nil {
		h.Set("ETag", *etag)
	}
}
