package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"Skiff/internal/apperrors"
	"Skiff/internal/cache"
	"Skiff/internal/metrics"
	"Skiff/internal/models"
)

const imageCacheEntries = 10

// ImageFinder resolves image specs to AMIs. Results are memoized for a short
// TTL and the cache key carries the current minute, so wildcard searches
// pick up newly published images.
type ImageFinder struct {
	api     DescribeAPI
	cache   *cache.Memo[models.InstanceImage]
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewImageFinder(api DescribeAPI, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *ImageFinder {
	return &ImageFinder{
		api:     api,
		cache:   cache.NewMemo[models.InstanceImage](ttl, imageCacheEntries),
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

// FindImage returns the image matching spec. Zero matches is a configuration
// error for the job.
func (f *ImageFinder) FindImage(ctx context.Context, spec models.ImageSpec) (models.InstanceImage, error) {
	key := strings.Join([]string{
		spec.AMI, spec.Name, spec.Owner, spec.Arch, spec.Platform,
		f.now().UTC().Format("200601021504"),
	}, "|")

	img, hit, err := f.cache.Do(key, func() (models.InstanceImage, error) {
		return f.lookup(ctx, spec)
	})
	f.metrics.ObserveCache("image", hit)
	if err != nil {
		return models.InstanceImage{}, err
	}

	f.logger.Debug("resolved image",
		slog.String("spec", spec.ID),
		slog.String("ami", img.AMI),
		slog.String("name", img.Name),
		slog.Bool("cached", hit),
	)
	return img, nil
}

func (f *ImageFinder) lookup(ctx context.Context, spec models.ImageSpec) (models.InstanceImage, error) {
	input := &ec2.DescribeImagesInput{}
	if spec.AMI != "" {
		input.ImageIds = []string{spec.AMI}
	} else {
		if spec.Owner == "" {
			return models.InstanceImage{}, apperrors.Configuration("ec2.FindImage",
				"refusing to search images for %s without an owner", describeSpec(spec))
		}
		input.Owners = []string{spec.Owner}
		input.Filters = []types.Filter{
			{Name: aws.String("name"), Values: []string{spec.Name}},
			{Name: aws.String("architecture"), Values: []string{models.NormalizeArch(spec.Arch)}},
			{Name: aws.String("state"), Values: []string{"available"}},
		}
		if models.IsWindows(spec.Platform) {
			input.Filters = append(input.Filters, types.Filter{
				Name: aws.String("platform"), Values: []string{"windows"},
			})
		}
	}

	out, err := f.api.DescribeImages(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && strings.HasPrefix(apiErr.ErrorCode(), "InvalidAMIID") {
			return models.InstanceImage{}, apperrors.Configuration("ec2.FindImage", "no AMI found for %s: %s", describeSpec(spec), apiErr.ErrorCode())
		}
		return models.InstanceImage{}, fmt.Errorf("failed to describe images: %w", err)
	}
	if len(out.Images) == 0 {
		return models.InstanceImage{}, apperrors.Configuration("ec2.FindImage", "no AMI found for %s", describeSpec(spec))
	}

	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].Name) > aws.ToString(images[j].Name)
	})
	return toInstanceImage(images[0]), nil
}

func describeSpec(spec models.ImageSpec) string {
	if spec.AMI != "" {
		return "ami=" + spec.AMI
	}
	return fmt.Sprintf("name=%s arch=%s owner=%s platform=%s", spec.Name, spec.Arch, spec.Owner, spec.Platform)
}

func toInstanceImage(img types.Image) models.InstanceImage {
	out := models.InstanceImage{
		AMI:            aws.ToString(img.ImageId),
		Name:           aws.ToString(img.Name),
		Platform:       aws.ToString(img.PlatformDetails),
		Arch:           string(img.Architecture),
		Owner:          aws.ToString(img.OwnerId),
		RootDeviceName: aws.ToString(img.RootDeviceName),
	}
	if out.Platform == "" {
		out.Platform = models.PlatformLinux
	}

	for _, bdm := range img.BlockDeviceMappings {
		if bdm.Ebs == nil || bdm.Ebs.VolumeSize == nil {
			continue
		}
		if out.RootDeviceName == "" || aws.ToString(bdm.DeviceName) == out.RootDeviceName {
			out.MinDiskSize = int(aws.ToInt32(bdm.Ebs.VolumeSize))
			if out.RootDeviceName == "" {
				out.RootDeviceName = aws.ToString(bdm.DeviceName)
			}
			break
		}
	}
	return out
}
