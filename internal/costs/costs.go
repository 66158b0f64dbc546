// Package costs reports how many minutes each runner instance lived, as a
// CloudWatch metric broken down by repository, workflow and instance type.
package costs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"Skiff/internal/config"
	"Skiff/internal/metrics"
	"Skiff/internal/models"
)

const unknown = "unknown"

// e.g. "User initiated (2023-12-21 15:14:24 GMT)"
var transitionTime = regexp.MustCompile(`\((\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) GMT\)`)

// PutMetricDataAPI is the CloudWatch call used by the reporter.
type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Usage is one instance's billed lifetime.
type Usage struct {
	Minutes    int
	EndedAt    time.Time
	Dimensions map[string]string
}

type Reporter struct {
	api       PutMetricDataAPI
	cfg       config.CostsConfig
	tagPrefix string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewReporter creates a reporter. tagPrefix is the runner label, under which
// the instance tags read here were written at launch.
func NewReporter(api PutMetricDataAPI, cfg config.CostsConfig, tagPrefix string, m *metrics.Metrics, logger *slog.Logger) *Reporter {
	return &Reporter{
		api:       api,
		cfg:       cfg,
		tagPrefix: tagPrefix,
		metrics:   m,
		logger:    logger.With("component", "costs"),
	}
}

// Compute derives the usage of a terminated instance. The end time is taken
// from the state transition reason when EC2 reports one, otherwise now.
func (r *Reporter) Compute(inst *models.TerminatedInstance, conclusion string, now time.Time) Usage {
	end := TerminationTime(inst.StateTransitionReason, now)

	lifecycle := inst.Lifecycle
	if lifecycle == "" {
		lifecycle = models.LifecycleOnDemand
	}
	if conclusion == "" {
		conclusion = unknown
	}

	return Usage{
		Minutes: Minutes(inst.LaunchTime, end),
		EndedAt: end,
		Dimensions: map[string]string{
			"InstanceType":          valueOr(inst.InstanceType),
			"InstanceLifecycle":     lifecycle,
			"Repository":            r.tag(inst.Tags, models.TagRepoFullName),
			"WorkflowName":          r.tag(inst.Tags, models.TagWorkflowName),
			"WorkflowJobConclusion": conclusion,
			"WorkflowJobName":       r.tag(inst.Tags, models.TagWorkflowJobName),
			"ImageId":               r.tag(inst.Tags, models.TagImageID),
			"RunnerId":              r.tag(inst.Tags, models.TagRunnerID),
		},
	}
}

// PostUsage computes and publishes the usage of a terminated instance and
// returns the minutes reported.
func (r *Reporter) PostUsage(ctx context.Context, inst *models.TerminatedInstance, conclusion string, now time.Time) (int, error) {
	usage := r.Compute(inst, conclusion, now)
	r.metrics.UsageMinutes.WithLabelValues(usage.Dimensions["InstanceType"], usage.Dimensions["InstanceLifecycle"]).Add(float64(usage.Minutes))

	if !r.cfg.Enabled || r.api == nil {
		r.logger.Debug("usage reporting disabled",
			slog.String("instance_id", inst.InstanceID),
			slog.Int("minutes", usage.Minutes),
		)
		return usage.Minutes, nil
	}

	_, err := r.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.cfg.Namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(r.cfg.MetricName),
				Dimensions: dimensions(usage.Dimensions),
				Timestamp:  aws.Time(usage.EndedAt),
				Unit:       types.StandardUnitCount,
				Value:      aws.Float64(float64(usage.Minutes)),
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to post usage for %s: %w", inst.InstanceID, err)
	}

	r.logger.Info("usage posted",
		slog.String("instance_id", inst.InstanceID),
		slog.String("instance_type", usage.Dimensions["InstanceType"]),
		slog.Int("minutes", usage.Minutes),
	)
	return usage.Minutes, nil
}

func (r *Reporter) tag(tags map[string]string, suffix string) string {
	return valueOr(models.SanitizeTagValue(tags[models.TagKey(r.tagPrefix, suffix)]))
}

// TerminationTime extracts the GMT timestamp EC2 appends to a state
// transition reason, or returns fallback.
func TerminationTime(reason string, fallback time.Time) time.Time {
	m := transitionTime.FindStringSubmatch(reason)
	if m == nil {
		return fallback
	}
	t, err := time.ParseInLocation(time.DateTime, m[1], time.UTC)
	if err != nil {
		return fallback
	}
	return t
}

// Minutes is the lifetime between launch and end, rounded to the nearest
// minute and never negative.
func Minutes(launch, end time.Time) int {
	if launch.IsZero() || end.Before(launch) {
		return 0
	}
	return int(math.Round(end.Sub(launch).Minutes()))
}

// dimensionNames fixes the order dimensions are emitted in.
var dimensionNames = []string{
	"InstanceType",
	"InstanceLifecycle",
	"Repository",
	"WorkflowName",
	"WorkflowJobConclusion",
	"WorkflowJobName",
	"ImageId",
	"RunnerId",
}

func dimensions(values map[string]string) []types.Dimension {
	out := make([]types.Dimension, 0, len(dimensionNames))
	for _, name := range dimensionNames {
		out = append(out, types.Dimension{
			Name:  aws.String(name),
			Value: aws.String(values[name]),
		})
	}
	return out
}

func valueOr(v string) string {
	if v == "" {
		return unknown
	}
	return v
}
