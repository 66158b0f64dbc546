package ec2

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Skiff/internal/apperrors"
	"Skiff/internal/models"
)

func reservation(instances ...types.Instance) *ec2.DescribeInstancesOutput {
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: instances}}}
}

func TestInstanceIDFromRunnerName(t *testing.T) {
	assert.Equal(t, "i-0abc", InstanceIDFromRunnerName("runs-on--i-0abc--1a2b3c4d"))
	assert.Equal(t, "", InstanceIDFromRunnerName("runs-on--42--1a2b3c4d"))
	assert.Equal(t, "", InstanceIDFromRunnerName("i-0abc"))
	assert.Equal(t, "", InstanceIDFromRunnerName(""))
}

func TestTerminateByTag(t *testing.T) {
	launched := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeEC2{
		describeInstances: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return reservation(types.Instance{
				InstanceId:            aws.String("i-0abc"),
				InstanceType:          types.InstanceType("c7a.large"),
				InstanceLifecycle:     types.InstanceLifecycleTypeSpot,
				LaunchTime:            aws.Time(launched),
				StateTransitionReason: aws.String("User initiated (2024-03-01 12:10:00 GMT)"),
				State:                 &types.InstanceState{Name: types.InstanceStateNameRunning},
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String("runs-on--42--abcd1234")},
				},
			}), nil
		},
	}
	p := newTestProvider(t, fake)

	inst, err := p.Terminate(context.Background(), "runs-on--42--abcd1234")
	require.NoError(t, err)
	assert.Equal(t, &models.TerminatedInstance{
		InstanceID:            "i-0abc",
		InstanceType:          "c7a.large",
		Lifecycle:             models.LifecycleSpot,
		LaunchTime:            launched,
		StateTransitionReason: "User initiated (2024-03-01 12:10:00 GMT)",
		Tags:                  map[string]string{"Name": "runs-on--42--abcd1234"},
	}, inst)

	require.Len(t, fake.instanceCalls, 1)
	filters := filterValues(fake.instanceCalls[0].Filters)
	assert.Equal(t, []string{"runs-on--42--abcd1234"}, filters["tag:Name"])
	assert.Equal(t, []string{"runs-on"}, filters["tag:stack"])
	assert.NotContains(t, filters["instance-state-name"], "terminated")

	require.Len(t, fake.terminateCalls, 1)
	assert.Equal(t, []string{"i-0abc"}, fake.terminateCalls[0].InstanceIds)
}

func TestTerminateByEmbeddedInstanceID(t *testing.T) {
	fake := &fakeEC2{
		describeInstances: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return reservation(types.Instance{InstanceId: aws.String("i-0def")}), nil
		},
	}
	p := newTestProvider(t, fake)

	inst, err := p.Terminate(context.Background(), "runs-on--i-0def--1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, "i-0def", inst.InstanceID)
	assert.Equal(t, models.LifecycleOnDemand, inst.Lifecycle)
	assert.Equal(t, []string{"i-0def"}, fake.instanceCalls[0].InstanceIds)
	assert.Empty(t, fake.instanceCalls[0].Filters)
}

func TestTerminateNotFound(t *testing.T) {
	tests := []struct {
		name     string
		describe func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
		runner   string
	}{
		{
			name: "no match",
			describe: func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
				return &ec2.DescribeInstancesOutput{}, nil
			},
			runner: "runs-on--42--abcd1234",
		},
		{
			name: "already terminated",
			describe: func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
				return reservation(types.Instance{
					InstanceId: aws.String("i-0abc"),
					State:      &types.InstanceState{Name: types.InstanceStateNameTerminated},
				}), nil
			},
			runner: "runs-on--i-0abc--1a2b3c4d",
		},
		{
			name: "invalid id",
			describe: func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
				return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}
			},
			runner: "runs-on--i-0gone--1a2b3c4d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeEC2{describeInstances: tt.describe}
			p := newTestProvider(t, fake)

			_, err := p.Terminate(context.Background(), tt.runner)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
			assert.Empty(t, fake.terminateCalls)
		})
	}
}

func TestTerminateDescribeFailure(t *testing.T) {
	fake := &fakeEC2{
		describeInstances: func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "RequestLimitExceeded"}
		},
	}
	p := newTestProvider(t, fake)

	_, err := p.Terminate(context.Background(), "runs-on--42--abcd1234")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrNotFound)
	assert.Empty(t, fake.terminateCalls)
}
