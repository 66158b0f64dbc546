package provider

import (
	"context"

	"Skiff/internal/models"
)

// LaunchRequest contains everything needed to start one runner instance
type LaunchRequest struct {
	Image      models.InstanceImage
	Candidates []models.InstanceTypeCandidate // best first
	Runner     models.RunnerSpec
	Tags       map[string]string
	UserData   string
}

// Provider defines the interface for the cloud backing the runners
type Provider interface {
	// Name returns the provider name
	Name() string

	// FindImage resolves an image spec to a concrete machine image
	FindImage(ctx context.Context, spec models.ImageSpec) (models.InstanceImage, error)

	// FindInstanceTypes returns ranked instance types for a query
	FindInstanceTypes(ctx context.Context, query models.InstanceTypeQuery) ([]models.InstanceTypeCandidate, error)

	// Launch starts one instance from the ranked candidates
	Launch(ctx context.Context, req *LaunchRequest) (*models.ProvisionedInstance, error)

	// Terminate finds the instance backing a runner and terminates it.
	// Returns an error matching apperrors.ErrNotFound when there is none.
	Terminate(ctx context.Context, runnerName string) (*models.TerminatedInstance, error)

	// HealthCheck performs a health check on the provider
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the provider
	Close() error
}
