package ec2

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/prometheus/client_golang/prometheus"

	"Skiff/internal/config"
	"Skiff/internal/metrics"
	"Skiff/internal/ratelimit"
)

// fakeEC2 implements DescribeAPI and MutateAPI with overridable behaviour.
type fakeEC2 struct {
	mu sync.Mutex

	describeImages        func(*ec2.DescribeImagesInput) (*ec2.DescribeImagesOutput, error)
	describeInstanceTypes func(*ec2.DescribeInstanceTypesInput) (*ec2.DescribeInstanceTypesOutput, error)
	describeInstances     func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	runInstances          func(*ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error)

	imageCalls     []*ec2.DescribeImagesInput
	typeCalls      []*ec2.DescribeInstanceTypesInput
	instanceCalls  []*ec2.DescribeInstancesInput
	runCalls       []*ec2.RunInstancesInput
	terminateCalls []*ec2.TerminateInstancesInput
}

func (f *fakeEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.mu.Lock()
	f.imageCalls = append(f.imageCalls, in)
	f.mu.Unlock()
	if f.describeImages == nil {
		return &ec2.DescribeImagesOutput{}, nil
	}
	return f.describeImages(in)
}

func (f *fakeEC2) DescribeInstanceTypes(ctx context.Context, in *ec2.DescribeInstanceTypesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error) {
	f.mu.Lock()
	f.typeCalls = append(f.typeCalls, in)
	f.mu.Unlock()
	if f.describeInstanceTypes == nil {
		return &ec2.DescribeInstanceTypesOutput{}, nil
	}
	return f.describeInstanceTypes(in)
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	f.instanceCalls = append(f.instanceCalls, in)
	f.mu.Unlock()
	if f.describeInstances == nil {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return f.describeInstances(in)
}

func (f *fakeEC2) DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, _ ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	return &ec2.DescribeRegionsOutput{}, nil
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	f.runCalls = append(f.runCalls, in)
	f.mu.Unlock()
	return f.runInstances(in)
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	f.terminateCalls = append(f.terminateCalls, in)
	f.mu.Unlock()
	return &ec2.TerminateInstancesOutput{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func testConfig() config.AWSConfig {
	return config.AWSConfig{
		Region:           "us-east-1",
		StackName:        "runs-on",
		SubnetIDs:        []string{"subnet-a", "subnet-b"},
		SecurityGroupIDs: []string{"sg-1"},
		VolumeType:       "gp3",
		ImageCacheTTL:    time.Minute,
		TypeCacheTTL:     time.Minute,
		MaxInstanceTypes: 10,
	}
}

func newTestProvider(t *testing.T, fake *fakeEC2) *EC2Provider {
	t.Helper()
	limiters := Limiters{
		Launch:    ratelimit.New(100, time.Second),
		Terminate: ratelimit.New(100, time.Second),
	}
	t.Cleanup(limiters.Launch.Stop)
	t.Cleanup(limiters.Terminate.Stop)
	return NewWithClients(testConfig(), fake, fake, limiters, testMetrics(), testLogger())
}
