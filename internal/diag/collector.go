package diag

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/edvin/bluegreen/internal/deployer"
)

// logTail is how many lines of container output to capture on failure.
const logTail = 200

// Collector captures failure diagnostics: the failed container's logs go
// to stderr, and optionally to an S3 archive bucket. Everything here is
// best-effort; collection never changes the outcome of a run.
type Collector struct {
	logger zerolog.Logger
	dep    deployer.Deployer
	bucket string
	region string
}

// NewCollector creates a collector. An empty bucket disables archiving.
func NewCollector(logger zerolog.Logger, dep deployer.Deployer, bucket, region string) *Collector {
	return &Collector{
		logger: logger.With().Str("component", "diag").Logger(),
		dep:    dep,
		bucket: bucket,
		region: region,
	}
}

// CaptureContainer dumps a container's recent logs to stderr and archives
// them when a bucket is configured.
func (c *Collector) CaptureContainer(ctx context.Context, runID, name string) {
	logs, err := c.dep.Logs(ctx, name, logTail)
	if err != nil {
		c.logger.Warn().Err(err).Str("container", name).Msg("failed to capture container logs")
		return
	}

	fmt.Fprintf(os.Stderr, "--- logs of %s (last %d lines) ---\n%s--- end of logs ---\n", name, logTail, logs)

	if c.bucket == "" {
		return
	}
	key := fmt.Sprintf("bluegreen/%s/%s.log", runID, name)
	if err := c.upload(ctx, key, []byte(logs)); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to archive container logs")
		return
	}
	c.logger.Info().Str("bucket", c.bucket).Str("key", key).Msg("container logs archived")
}

func (c *Collector) upload(ctx context.Context, key string, body []byte) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	_, err = s3.NewFromConfig(cfg).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
