// Package ec2 implements the provider on Amazon EC2: image search, instance
// type matching, launching with spot fallback, and termination.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"Skiff/internal/config"
	"Skiff/internal/metrics"
	"Skiff/internal/models"
	"Skiff/internal/provider"
	"Skiff/internal/ratelimit"
)

const providerName = "ec2"

// DescribeAPI is the read-only part of the EC2 client.
type DescribeAPI interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeInstanceTypes(ctx context.Context, params *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// MutateAPI is the part of the EC2 client that creates and destroys
// instances. It is always built without SDK retries; throttling is absorbed
// by the rate limiters.
type MutateAPI interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Limiters are the token buckets shared by all jobs.
type Limiters struct {
	Launch    *ratelimit.Limiter
	Terminate *ratelimit.Limiter
}

type EC2Provider struct {
	describe DescribeAPI
	mutate   MutateAPI
	config   config.AWSConfig
	limiters Limiters

	images   *ImageFinder
	types    *TypeMatcher
	launcher *Launcher

	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// New creates an EC2 provider from a loaded AWS config. The mutating client
// never retries.
func New(awsCfg aws.Config, cfg config.AWSConfig, limiters Limiters, m *metrics.Metrics, logger *slog.Logger) *EC2Provider {
	describe := ec2.NewFromConfig(awsCfg)
	mutate := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		o.Retryer = aws.NopRetryer{}
	})

	return NewWithClients(cfg, describe, mutate, limiters, m, logger)
}

// NewWithClients wires the provider around existing clients.
func NewWithClients(cfg config.AWSConfig, describe DescribeAPI, mutate MutateAPI, limiters Limiters, m *metrics.Metrics, logger *slog.Logger) *EC2Provider {
	logger = logger.With("provider", providerName)
	tracer := otel.Tracer("skiff/provider/ec2")

	return &EC2Provider{
		describe: describe,
		mutate:   mutate,
		config:   cfg,
		limiters: limiters,
		images:   NewImageFinder(describe, cfg.ImageCacheTTL, m, logger),
		types:    NewTypeMatcher(describe, cfg.TypeCacheTTL, cfg.MaxInstanceTypes, m, logger),
		launcher: NewLauncher(mutate, limiters.Launch, cfg, m, logger),
		metrics:  m,
		tracer:   tracer,
		logger:   logger,
	}
}

func (p *EC2Provider) Name() string {
	return providerName
}

func (p *EC2Provider) FindImage(ctx context.Context, spec models.ImageSpec) (models.InstanceImage, error) {
	ctx, span := p.tracer.Start(ctx, "provider.ec2.FindImage")
	defer span.End()

	var img models.InstanceImage
	err := p.observe("find_image", func() error {
		var err error
		img, err = p.images.FindImage(ctx, spec)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return img, err
}

func (p *EC2Provider) FindInstanceTypes(ctx context.Context, query models.InstanceTypeQuery) ([]models.InstanceTypeCandidate, error) {
	ctx, span := p.tracer.Start(ctx, "provider.ec2.FindInstanceTypes")
	defer span.End()

	var candidates []models.InstanceTypeCandidate
	err := p.observe("find_instance_types", func() error {
		var err error
		candidates, err = p.types.FindTypes(ctx, query)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return candidates, err
}

func (p *EC2Provider) Launch(ctx context.Context, req *provider.LaunchRequest) (*models.ProvisionedInstance, error) {
	ctx, span := p.tracer.Start(ctx, "provider.ec2.Launch")
	defer span.End()

	var inst *models.ProvisionedInstance
	err := p.observe("launch", func() error {
		var err error
		inst, err = p.launcher.Launch(ctx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return inst, err
}

func (p *EC2Provider) HealthCheck(ctx context.Context) error {
	// Simple check: describe regions to verify API access
	_, err := p.describe.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return fmt.Errorf("EC2 health check failed: %w", err)
	}
	return nil
}

func (p *EC2Provider) Close() error {
	return nil
}

func (p *EC2Provider) observe(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.metrics.ProviderDuration.WithLabelValues(providerName, operation).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
		p.metrics.ProviderErrors.WithLabelValues(providerName, operation, errorCode(err)).Inc()
	}
	p.metrics.ProviderOperations.WithLabelValues(providerName, operation, status).Inc()
	return err
}

// errorCode extracts the EC2 error code, e.g. InsufficientInstanceCapacity.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "context"
	}
	return "unknown"
}

// buildTags turns a tag map into EC2 tags, sorted by key.
func buildTags(tags map[string]string) []types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(models.SanitizeTagValue(tags[k])),
		})
	}
	return out
}

func tagMap(tags []types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return out
}
