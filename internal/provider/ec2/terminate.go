package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"Skiff/internal/apperrors"
	"Skiff/internal/models"
)

const (
	// StackTagKey scopes tag lookups to instances launched by this stack.
	StackTagKey = "stack"
	// RunnerNameSeparator separates the segments of a runner name.
	RunnerNameSeparator = "--"
)

// Terminate locates the instance backing runnerName and terminates it.
func (p *EC2Provider) Terminate(ctx context.Context, runnerName string) (*models.TerminatedInstance, error) {
	ctx, span := p.tracer.Start(ctx, "provider.ec2.Terminate")
	defer span.End()

	var terminated *models.TerminatedInstance
	err := p.observe("terminate", func() error {
		inst, err := p.findInstance(ctx, runnerName)
		if err != nil {
			return err
		}

		waitStart := time.Now()
		if err := p.limiters.Terminate.Wait(ctx); err != nil {
			return err
		}
		p.metrics.RateLimiterWait.WithLabelValues("terminate").Observe(time.Since(waitStart).Seconds())

		id := aws.ToString(inst.InstanceId)
		p.logger.Info("terminating EC2 instance",
			slog.String("runner", runnerName),
			slog.String("instance_id", id),
		)
		if _, err := p.mutate.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{id},
		}); err != nil {
			return fmt.Errorf("failed to terminate instance: %w", err)
		}

		terminated = toTerminatedInstance(inst)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return terminated, nil
}

// findInstance resolves a runner name to its instance. Legacy names that
// embed an instance id are looked up directly. Names minted by the controller
// never do, so they go through the Name tag, scoped to this stack.
func (p *EC2Provider) findInstance(ctx context.Context, runnerName string) (types.Instance, error) {
	input := &ec2.DescribeInstancesInput{}
	if id := InstanceIDFromRunnerName(runnerName); id != "" {
		input.InstanceIds = []string{id}
	} else {
		input.Filters = []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{runnerName}},
			{Name: aws.String("tag:" + StackTagKey), Values: []string{p.config.StackName}},
			{
				Name: aws.String("instance-state-name"),
				Values: []string{
					"pending",
					"running",
					"stopping",
					"stopped",
				},
			},
		}
	}

	out, err := p.describe.DescribeInstances(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID") {
			return types.Instance{}, apperrors.NotFound("instance for runner", runnerName)
		}
		return types.Instance{}, fmt.Errorf("failed to describe instances: %w", err)
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if instance.State != nil && instance.State.Name == types.InstanceStateNameTerminated {
				continue
			}
			return instance, nil
		}
	}
	return types.Instance{}, apperrors.NotFound("instance for runner", runnerName)
}

// InstanceIDFromRunnerName returns the instance id embedded in a legacy runner
// name such as runs-on--i-0abc--1a2b3c4d, or "" when there is none. Names of
// the form <label>--<job id>--<suffix> always yield "".
func InstanceIDFromRunnerName(name string) string {
	parts := strings.Split(name, RunnerNameSeparator)
	for _, part := range parts[1:] {
		if strings.HasPrefix(part, "i-") {
			return part
		}
	}
	return ""
}

func toTerminatedInstance(inst types.Instance) *models.TerminatedInstance {
	lifecycle := models.LifecycleOnDemand
	if inst.InstanceLifecycle == types.InstanceLifecycleTypeSpot {
		lifecycle = models.LifecycleSpot
	}
	return &models.TerminatedInstance{
		InstanceID:            aws.ToString(inst.InstanceId),
		InstanceType:          string(inst.InstanceType),
		Lifecycle:             lifecycle,
		LaunchTime:            aws.ToTime(inst.LaunchTime),
		StateTransitionReason: aws.ToString(inst.StateTransitionReason),
		Tags:                  tagMap(inst.Tags),
	}
}
