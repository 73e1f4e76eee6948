package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"studysync/internal/replica"
)

// Backend error codes that mean the credentials were rejected.
var s3AuthCodes = map[string]bool{
	"ExpiredToken":          true,
	"InvalidAccessKeyId":    true,
	"InvalidToken":          true,
	"SignatureDoesNotMatch": true,
	"TokenRefreshRequired":  true,
}

// S3Options configures an S3Cloud.
type S3Options struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint selects an S3-compatible service (MinIO, R2, ...) and
	// switches to path-style addressing.
	Endpoint string

	// Static credentials. When empty the default chain (environment,
	// shared config, instance role) is used.
	AccessKey string
	SecretKey string

	// RetryMaxAttempts overrides the SDK retry count when positive.
	RetryMaxAttempts int
}

// S3Cloud stores the remote area in an S3 bucket, under an optional key
// prefix. Remote IDs are object keys relative to the prefix.
type S3Cloud struct {
	*session

	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Cloud loads the AWS configuration and creates the S3 client.
// No request is made until SignIn.
func NewS3Cloud(ctx context.Context, opts S3Options) (*S3Cloud, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 cloud requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	if opts.RetryMaxAttempts > 0 {
		loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(opts.RetryMaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
			// S3-compatible stores often reject the newer default checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})

	c := &S3Cloud{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   normalizePrefix(opts.Prefix),
	}
	c.session = newSession(c.verify, isS3AuthFailure)
	return c, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (c *S3Cloud) key(id string) string {
	return c.prefix + strings.TrimPrefix(path.Clean("/"+id), "/")
}

func (c *S3Cloud) verify(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return toRemoteError(err)
	}
	return nil
}

func (c *S3Cloud) FindFile(ctx context.Context, name string) (*replica.FileMetadata, error) {
	if err := c.require("finding file"); err != nil {
		return nil, err
	}

	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, c.fail("finding file", toRemoteError(err))
	}

	meta := &replica.FileMetadata{
		ID:   strings.TrimPrefix(c.key(name), c.prefix),
		Name: path.Base(name),
		Size: aws.ToInt64(out.ContentLength),
	}
	if out.LastModified != nil {
		meta.ModifiedTime = *out.LastModified
	}
	return meta, nil
}

func (c *S3Cloud) UploadFile(ctx context.Context, r io.Reader, size int64, name, mimeType, folderPath string) (string, error) {
	if err := c.require("uploading file"); err != nil {
		return "", err
	}

	key := c.key(path.Join(folderPath, name))
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}

	if _, err := c.uploader.Upload(ctx, input); err != nil {
		return "", c.fail("uploading file", toRemoteError(err))
	}
	return strings.TrimPrefix(key, c.prefix), nil
}

func (c *S3Cloud) DownloadFile(ctx context.Context, remoteID string, w io.Writer) error {
	if err := c.require("downloading file"); err != nil {
		return err
	}

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(remoteID)),
	})
	if err != nil {
		return c.fail("downloading file", toRemoteError(err))
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading object body: %w", err)
	}
	return nil
}

func (c *S3Cloud) ListFiles(ctx context.Context, parentID string) ([]*replica.FileMetadata, error) {
	if err := c.require("listing files"); err != nil {
		return nil, err
	}

	prefix := c.prefix
	if parentID != "" {
		prefix = c.key(parentID) + "/"
	}

	var out []*replica.FileMetadata
	p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, c.fail("listing files", toRemoteError(err))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			meta := &replica.FileMetadata{
				ID:   strings.TrimPrefix(key, c.prefix),
				Name: path.Base(key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				meta.ModifiedTime = *obj.LastModified
			}
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// httpStatus extracts the HTTP status of a failed SDK call, or 0.
func httpStatus(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func isNotFound(err error) bool {
	if httpStatus(err) == http.StatusNotFound {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// isS3AuthFailure reports whether err means the credentials were rejected.
func isS3AuthFailure(err error) bool {
	var remote *replica.RemoteError
	if errors.As(err, &remote) {
		return remote.StatusCode == http.StatusUnauthorized || s3AuthCodes[remote.Code]
	}
	if httpStatus(err) == http.StatusUnauthorized {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return s3AuthCodes[apiErr.ErrorCode()]
	}
	return false
}

// toRemoteError converts an SDK error carrying an HTTP status or a service
// error code into a *replica.RemoteError. Transport errors are returned unchanged.
func toRemoteError(err error) error {
	status := httpStatus(err)
	var apiErr smithy.APIError
	hasAPI := errors.As(err, &apiErr)
	if status == 0 && !hasAPI {
		return err
	}

	remote := &replica.RemoteError{StatusCode: status, Err: err}
	if hasAPI {
		remote.Code = apiErr.ErrorCode()
		remote.Message = apiErr.ErrorMessage()
	}
	return remote
}

// Compile-time check that S3Cloud implements replica.CloudAdapter
var _ replica.CloudAdapter = (*S3Cloud)(nil)
