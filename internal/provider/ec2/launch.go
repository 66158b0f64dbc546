package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"Skiff/internal/apperrors"
	"Skiff/internal/config"
	"Skiff/internal/metrics"
	"Skiff/internal/models"
	"Skiff/internal/provider"
	"Skiff/internal/ratelimit"
)

const (
	defaultRootDevice = "/dev/sda1"
	defaultHDD        = 40
	extraRootSpace    = 10

	minIOPS       = 3000
	maxIOPS       = 16000
	minThroughput = 125
	maxThroughput = 1000
	defaultIOPS   = 3000
	defaultThru   = 325
)

// Launcher starts one instance from a ranked candidate list, trying spot
// first when requested and falling back to on-demand once.
type Launcher struct {
	api     MutateAPI
	limiter *ratelimit.Limiter
	config  config.AWSConfig
	subnet  atomic.Uint64
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewLauncher(api MutateAPI, limiter *ratelimit.Limiter, cfg config.AWSConfig, m *metrics.Metrics, logger *slog.Logger) *Launcher {
	return &Launcher{
		api:     api,
		limiter: limiter,
		config:  cfg,
		metrics: m,
		logger:  logger,
	}
}

// Launch walks the candidates in order. Each type is tried once per pass;
// a rejected type is skipped, not retried.
func (l *Launcher) Launch(ctx context.Context, req *provider.LaunchRequest) (*models.ProvisionedInstance, error) {
	if len(req.Candidates) == 0 {
		return nil, apperrors.Configuration("ec2.Launch", "no instance type candidates for runner %s", req.Runner.ID)
	}

	template := l.buildTemplate(req)
	passes := []bool{false}
	if req.Runner.Spot {
		passes = []bool{true, false}
	}

	var errs []error
	for _, spot := range passes {
		market := marketName(spot)
		for _, candidate := range req.Candidates {
			inst, err := l.runInstance(ctx, template, candidate, spot, req.Tags)
			if err == nil {
				return inst, nil
			}
			if ctx.Err() != nil || errors.Is(err, ratelimit.ErrStopped) {
				return nil, err
			}
			l.logger.Warn("instance type rejected, trying next",
				slog.String("instance_type", candidate.InstanceType),
				slog.String("market", market),
				slog.String("code", errorCode(err)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s/%s: %w", candidate.InstanceType, market, err))
		}
		if spot {
			l.logger.Warn("all instance types rejected on spot, falling back to on-demand",
				slog.String("runner", req.Runner.ID),
				slog.Int("candidates", len(req.Candidates)),
			)
		}
	}
	return nil, apperrors.Capacity("ec2.Launch", errors.Join(errs...))
}

func (l *Launcher) runInstance(ctx context.Context, template ec2.RunInstancesInput, candidate models.InstanceTypeCandidate, spot bool, tags map[string]string) (*models.ProvisionedInstance, error) {
	input := template
	input.InstanceType = types.InstanceType(candidate.InstanceType)
	input.BlockDeviceMappings = append([]types.BlockDeviceMapping(nil), template.BlockDeviceMappings...)
	if candidate.InstanceStorage {
		input.BlockDeviceMappings = append(input.BlockDeviceMappings, types.BlockDeviceMapping{
			DeviceName:  aws.String("/dev/sdb"),
			VirtualName: aws.String("ephemeral0"),
		})
	}
	if subnet := l.nextSubnet(); subnet != "" {
		input.SubnetId = aws.String(subnet)
	}
	if spot {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}

	waitStart := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	l.metrics.RateLimiterWait.WithLabelValues("launch").Observe(time.Since(waitStart).Seconds())

	market := marketName(spot)
	out, err := l.api.RunInstances(ctx, &input)
	if err != nil {
		l.metrics.LaunchAttempts.WithLabelValues(market, "error").Inc()
		return nil, err
	}
	if len(out.Instances) == 0 {
		l.metrics.LaunchAttempts.WithLabelValues(market, "error").Inc()
		return nil, fmt.Errorf("no instances created")
	}
	l.metrics.LaunchAttempts.WithLabelValues(market, "success").Inc()

	inst := out.Instances[0]
	lifecycle := models.LifecycleOnDemand
	if spot || inst.InstanceLifecycle == types.InstanceLifecycleTypeSpot {
		lifecycle = models.LifecycleSpot
	}
	launched := &models.ProvisionedInstance{
		InstanceID:   aws.ToString(inst.InstanceId),
		InstanceType: string(inst.InstanceType),
		Lifecycle:    lifecycle,
		LaunchTime:   aws.ToTime(inst.LaunchTime),
		Tags:         make(map[string]string, len(tags)),
	}
	if launched.InstanceType == "" {
		launched.InstanceType = candidate.InstanceType
	}
	if launched.LaunchTime.IsZero() {
		launched.LaunchTime = time.Now()
	}
	for k, v := range tags {
		launched.Tags[k] = v
	}

	l.logger.Info("EC2 instance launched",
		slog.String("instance_id", launched.InstanceID),
		slog.String("instance_type", launched.InstanceType),
		slog.String("lifecycle", lifecycle),
	)
	return launched, nil
}

// buildTemplate builds the launch parameters shared by every attempt.
func (l *Launcher) buildTemplate(req *provider.LaunchRequest) ec2.RunInstancesInput {
	rootDevice := req.Image.RootDeviceName
	if rootDevice == "" {
		rootDevice = defaultRootDevice
	}
	iops := ClampIOPS(req.Runner.IOPS)

	volumeType := types.VolumeTypeGp3
	if l.config.VolumeType != "" {
		volumeType = types.VolumeType(l.config.VolumeType)
	}

	tags := buildTags(req.Tags)
	input := ec2.RunInstancesInput{
		ImageId:          aws.String(req.Image.AMI),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(req.UserData))),
		SecurityGroupIds: l.config.SecurityGroupIDs,
		EbsOptimized:     aws.Bool(true),
		MetadataOptions: &types.InstanceMetadataOptionsRequest{
			HttpTokens:              types.HttpTokensStateRequired,
			HttpEndpoint:            types.InstanceMetadataEndpointStateEnabled,
			HttpPutResponseHopLimit: aws.Int32(2),
		},
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: aws.String(rootDevice),
				Ebs: &types.EbsBlockDevice{
					VolumeSize:          aws.Int32(int32(RootVolumeSize(req.Runner.HDD, req.Image.MinDiskSize))),
					VolumeType:          volumeType,
					Iops:                aws.Int32(int32(iops)),
					Throughput:          aws.Int32(int32(ClampThroughput(req.Runner.Throughput, iops))),
					DeleteOnTermination: aws.Bool(true),
				},
			},
		},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags:         tags,
			},
			{
				ResourceType: types.ResourceTypeVolume,
				Tags:         tags,
			},
		},
	}

	input.InstanceInitiatedShutdownBehavior = types.ShutdownBehaviorTerminate

	if l.config.KeyName != "" {
		input.KeyName = aws.String(l.config.KeyName)
	}

	if l.config.InstanceProfile != "" {
		profile := &types.IamInstanceProfileSpecification{}
		if strings.HasPrefix(l.config.InstanceProfile, "arn:") {
			profile.Arn = aws.String(l.config.InstanceProfile)
		} else {
			profile.Name = aws.String(l.config.InstanceProfile)
		}
		input.IamInstanceProfile = profile
	}

	return input
}

func (l *Launcher) nextSubnet() string {
	if len(l.config.SubnetIDs) == 0 {
		return ""
	}
	i := l.subnet.Add(1) - 1
	return l.config.SubnetIDs[i%uint64(len(l.config.SubnetIDs))]
}

// RootVolumeSize is the requested size, never below the image minimum. When
// nothing is requested the image minimum plus some headroom is used.
func RootVolumeSize(hdd, imageMin int) int {
	if hdd > 0 {
		return max(hdd, imageMin)
	}
	if imageMin <= 0 {
		return defaultHDD
	}
	return imageMin + extraRootSpace
}

// ClampIOPS keeps gp3 IOPS within the provisionable range.
func ClampIOPS(iops int) int {
	if iops == 0 {
		iops = defaultIOPS
	}
	return min(max(iops, minIOPS), maxIOPS)
}

// ClampThroughput keeps gp3 throughput within range and at most iops/4.
func ClampThroughput(throughput, iops int) int {
	if throughput == 0 {
		throughput = defaultThru
	}
	throughput = min(max(throughput, minThroughput), maxThroughput)
	return min(throughput, max(iops/4, minThroughput))
}

func marketName(spot bool) string {
	if spot {
		return models.LifecycleSpot
	}
	return models.LifecycleOnDemand
}
