// Package s3 implements the remote blob channel on top of S3-compatible
// object storage. Each blob is one object; captions live in object
// metadata. Retries are owned by the caller: this backend only classifies
// failures as not-found, rate-limited, or transient.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/chatvault/internal/logger"
	"github.com/marmos91/chatvault/pkg/crypto"
	"github.com/marmos91/chatvault/pkg/remote"
)

// captionMetadataKey is the object metadata key carrying the caption.
const captionMetadataKey = "caption"

// throttleRetryAfter is the cool-down reported on throttling errors; S3
// does not return an explicit retry-after.
const throttleRetryAfter = 2 * time.Second

// Config holds S3 channel settings.
type Config struct {
	Bucket       string `mapstructure:"bucket" yaml:"bucket" validate:"required"`
	Region       string `mapstructure:"region" yaml:"region"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
	KeyPrefix    string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// Channel is an S3-backed remote.Channel.
type Channel struct {
	client *awss3.Client
	bucket string
	prefix string

	// Message ids are creation timestamps; the counter breaks ties when
	// two sends land in the same nanosecond.
	lastID atomic.Int64
}

// New creates an S3 channel backend.
func New(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	prefix := strings.Trim(cfg.KeyPrefix, "/")
	if prefix == "" {
		prefix = "chatvault"
	}

	logger.Info("s3 channel backend ready",
		"bucket", cfg.Bucket, "prefix", prefix, logger.KeyStoreType, "s3")
	return &Channel{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (c *Channel) blobKey(channelID, messageID int64) string {
	return fmt.Sprintf("%s/%d/blobs/%d", c.prefix, channelID, messageID)
}

func (c *Channel) blobPrefix(channelID int64) string {
	return fmt.Sprintf("%s/%d/blobs/", c.prefix, channelID)
}

// nextMessageID returns a strictly increasing timestamp-based id.
func (c *Channel) nextMessageID() int64 {
	for {
		now := time.Now().UnixNano()
		last := c.lastID.Load()
		if now <= last {
			now = last + 1
		}
		if c.lastID.CompareAndSwap(last, now) {
			return now
		}
	}
}

// EnsureChannel derives a stable channel id from the identity, writes a
// marker object so the channel is discoverable, and removes lifecycle
// rules that would expire the channel's objects.
func (c *Channel) EnsureChannel(ctx context.Context, identity string) (int64, error) {
	sum := crypto.HashString(identity)
	// First 15 hex digits keep the id positive.
	id, err := strconv.ParseInt(sum[:15], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to derive channel id: %w", err)
	}

	key := fmt.Sprintf("%s/%d/.channel", c.prefix, id)
	_, err = c.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(identity),
	})
	if err != nil {
		return 0, classify(err)
	}

	// Many deployments deny the lifecycle APIs; a blob that silently
	// expires is worse than a warning, but not worth failing startup.
	if err := c.disableExpiry(ctx, id); err != nil {
		logger.Warn("could not clear bucket lifecycle expiry",
			"bucket", c.bucket, logger.KeyError, err.Error())
	}
	return id, nil
}

// disableExpiry drops lifecycle rules that expire objects under the
// channel prefix. Stored blobs persist until explicitly deleted.
func (c *Channel) disableExpiry(ctx context.Context, channelID int64) error {
	out, err := c.client.GetBucketLifecycleConfiguration(ctx, &awss3.GetBucketLifecycleConfigurationInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchLifecycleConfiguration" {
			return nil
		}
		return classify(err)
	}

	prefix := c.blobPrefix(channelID)
	kept := make([]types.LifecycleRule, 0, len(out.Rules))
	for _, rule := range out.Rules {
		if rule.Expiration != nil && ruleCoversPrefix(rule, prefix) {
			continue
		}
		kept = append(kept, rule)
	}
	if len(kept) == len(out.Rules) {
		return nil
	}

	if len(kept) == 0 {
		_, err = c.client.DeleteBucketLifecycle(ctx, &awss3.DeleteBucketLifecycleInput{
			Bucket: aws.String(c.bucket),
		})
		return classify(err)
	}
	_, err = c.client.PutBucketLifecycleConfiguration(ctx, &awss3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(c.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: kept,
		},
	})
	return classify(err)
}

// ruleCoversPrefix reports whether a lifecycle rule applies to objects
// under prefix. Rules without a filter apply bucket-wide.
func ruleCoversPrefix(rule types.LifecycleRule, prefix string) bool {
	if rule.Filter == nil {
		return true
	}
	p := aws.ToString(rule.Filter.Prefix)
	if p == "" && rule.Filter.And != nil {
		p = aws.ToString(rule.Filter.And.Prefix)
	}
	return p == "" || strings.HasPrefix(prefix, p)
}

func (c *Channel) SendBlob(ctx context.Context, channelID int64, data []byte, caption string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	id := c.nextMessageID()
	input := &awss3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.blobKey(channelID, id)),
		Body:   bytes.NewReader(data),
	}
	if caption != "" {
		input.Metadata = map[string]string{captionMetadataKey: caption}
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		return 0, classify(err)
	}
	return id, nil
}

func (c *Channel) FetchBlob(ctx context.Context, channelID, messageID int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := c.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.blobKey(channelID, messageID)),
	})
	if err != nil {
		return nil, classify(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &remote.TransientError{Err: err}
	}
	return data, nil
}

func (c *Channel) DeleteBlobs(ctx context.Context, channelID int64, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}

	objects := make([]types.ObjectIdentifier, 0, len(messageIDs))
	for _, id := range messageIDs {
		objects = append(objects, types.ObjectIdentifier{
			Key: aws.String(c.blobKey(channelID, id)),
		})
	}
	_, err := c.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
		Bucket: aws.String(c.bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// SearchByCaption lists the channel's blobs and filters by caption
// substring. Captions live in object metadata, so each candidate costs a
// HEAD request; the operation is meant for the handful of tagged control
// messages, not bulk data.
func (c *Channel) SearchByCaption(ctx context.Context, channelID int64, substring string, limit int) ([]remote.Message, error) {
	prefix := c.blobPrefix(channelID)
	var out []remote.Message

	paginator := awss3.NewListObjectsV2Paginator(c.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			idStr := strings.TrimPrefix(key, prefix)
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				continue
			}

			head, err := c.client.HeadObject(ctx, &awss3.HeadObjectInput{
				Bucket: aws.String(c.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, classify(err)
			}
			caption := head.Metadata[captionMetadataKey]
			if caption == "" || !strings.Contains(caption, substring) {
				continue
			}

			msg := remote.Message{ID: id, Caption: caption, Date: time.Unix(0, id)}
			if head.LastModified != nil {
				msg.Date = *head.LastModified
			}
			out = append(out, msg)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// classify maps S3 failures onto the channel error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return remote.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); code {
		case "NoSuchKey", "NotFound", "404":
			return remote.ErrNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return remote.ErrUnauthorized
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"ProvisionedThroughputExceededException":
			return &remote.RateLimitError{RetryAfter: throttleRetryAfter}
		case "InternalError", "ServiceUnavailable", "ServiceException", "InternalServiceException":
			return &remote.TransientError{Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &remote.TransientError{Err: err}
	}

	msg := err.Error()
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "StatusCode: 503") ||
		strings.Contains(msg, "StatusCode: 500") {
		return &remote.TransientError{Err: err}
	}
	if strings.Contains(msg, "StatusCode: 404") || strings.Contains(msg, "NoSuchKey") {
		return remote.ErrNotFound
	}

	return err
}

var _ remote.Channel = (*Channel)(nil)
