package ec2

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"Skiff/internal/apperrors"
	"Skiff/internal/cache"
	"Skiff/internal/metrics"
	"Skiff/internal/models"
)

const (
	defaultMaxCandidates = 10
	typeCacheEntries     = 100
)

// TypeMatcher turns a runner's sizing request into a ranked list of
// instance types from the live EC2 catalog.
type TypeMatcher struct {
	api           DescribeAPI
	cache         *cache.Memo[[]models.InstanceTypeCandidate]
	maxCandidates int
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func NewTypeMatcher(api DescribeAPI, ttl time.Duration, maxCandidates int, m *metrics.Metrics, logger *slog.Logger) *TypeMatcher {
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}
	return &TypeMatcher{
		api:           api,
		cache:         cache.NewMemo[[]models.InstanceTypeCandidate](ttl, typeCacheEntries),
		maxCandidates: maxCandidates,
		metrics:       m,
		logger:        logger,
	}
}

// FamilyPatterns converts requested families into instance-type name
// patterns. Dotted or wildcarded values are used as is, anything else gets a
// trailing "*".
func FamilyPatterns(families []string) []string {
	patterns := make([]string, 0, len(families))
	for _, f := range families {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !strings.ContainsAny(f, ".*") {
			f += "*"
		}
		patterns = append(patterns, f)
	}
	return lo.Uniq(patterns)
}

// FindTypes returns at most maxCandidates instance types, best first.
func (m *TypeMatcher) FindTypes(ctx context.Context, q models.InstanceTypeQuery) ([]models.InstanceTypeCandidate, error) {
	families := q.Family
	if len(families) == 0 {
		families = models.DefaultFamilies(q.Platform)
	}
	patterns := FamilyPatterns(families)
	arch := models.NormalizeArch(q.Arch)

	key := fmt.Sprintf("%s|%s|%v|%v|%v", arch, q.Platform, q.CPU, q.RAM, patterns)
	candidates, hit, err := m.cache.Do(key, func() ([]models.InstanceTypeCandidate, error) {
		infos, err := m.describe(ctx, arch, patterns, q.CPU, q.RAM)
		if err != nil {
			return nil, err
		}
		ranked := Rank(patterns, infos, m.maxCandidates)
		if len(ranked) == 0 {
			return nil, apperrors.Configuration("ec2.FindInstanceTypes",
				"no instance type matches arch=%s cpu=%v ram=%v family=%v", arch, q.CPU, q.RAM, patterns)
		}
		return ranked, nil
	})
	m.metrics.ObserveCache("instance_types", hit)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("matched instance types",
		slog.String("arch", arch),
		slog.Any("patterns", patterns),
		slog.Any("types", lo.Map(candidates, func(c models.InstanceTypeCandidate, _ int) string { return c.InstanceType })),
		slog.Bool("cached", hit),
	)
	return candidates, nil
}

func (m *TypeMatcher) describe(ctx context.Context, arch string, patterns []string, cpu, ram []int) ([]types.InstanceTypeInfo, error) {
	filters := []types.Filter{
		{Name: aws.String("processor-info.supported-architecture"), Values: []string{arch}},
		{Name: aws.String("supported-usage-class"), Values: []string{"on-demand", "spot"}},
		{Name: aws.String("bare-metal"), Values: []string{"false"}},
		{Name: aws.String("instance-type"), Values: patterns},
	}
	if len(cpu) > 0 {
		filters = append(filters, types.Filter{
			Name:   aws.String("vcpu-info.default-vcpus"),
			Values: lo.Map(cpu, func(c int, _ int) string { return strconv.Itoa(c) }),
		})
	}
	if len(ram) > 0 {
		filters = append(filters, types.Filter{
			Name:   aws.String("memory-info.size-in-mib"),
			Values: lo.Map(ram, func(gib int, _ int) string { return strconv.Itoa(gib * 1024) }),
		})
	}

	var infos []types.InstanceTypeInfo
	paginator := ec2.NewDescribeInstanceTypesPaginator(m.api, &ec2.DescribeInstanceTypesInput{
		Filters: filters,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instance types: %w", err)
		}
		infos = append(infos, page.InstanceTypes...)
	}
	return infos, nil
}

// Rank orders catalog entries family group by family group, following the
// order of patterns, ascending vCPU within a family, and caps the result.
func Rank(patterns []string, infos []types.InstanceTypeInfo, limit int) []models.InstanceTypeCandidate {
	byPattern := make([][]models.InstanceTypeCandidate, len(patterns))
	seen := make(map[string]bool)

	for _, info := range infos {
		c := toCandidate(info)
		if c.InstanceType == "" || seen[c.InstanceType] {
			continue
		}
		for i, p := range patterns {
			if ok, _ := path.Match(p, c.InstanceType); ok {
				byPattern[i] = append(byPattern[i], c)
				seen[c.InstanceType] = true
				break
			}
		}
	}

	var ranked []models.InstanceTypeCandidate
	for _, group := range byPattern {
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if a.Family != b.Family {
				return a.Family < b.Family
			}
			if a.VCPUs != b.VCPUs {
				return a.VCPUs < b.VCPUs
			}
			if a.MemoryMiB != b.MemoryMiB {
				return a.MemoryMiB < b.MemoryMiB
			}
			return a.InstanceType < b.InstanceType
		})
		ranked = append(ranked, group...)
		if len(ranked) >= limit {
			return ranked[:limit]
		}
	}
	return ranked
}

func toCandidate(info types.InstanceTypeInfo) models.InstanceTypeCandidate {
	name := string(info.InstanceType)
	family, _, _ := strings.Cut(name, ".")

	c := models.InstanceTypeCandidate{
		InstanceType:    name,
		Family:          family,
		InstanceStorage: aws.ToBool(info.InstanceStorageSupported),
	}
	if info.VCpuInfo != nil {
		c.VCPUs = int(aws.ToInt32(info.VCpuInfo.DefaultVCpus))
	}
	if info.MemoryInfo != nil {
		c.MemoryMiB = aws.ToInt64(info.MemoryInfo.SizeInMiB)
	}
	return c
}
