package controller

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"Skiff/internal/bootstrap"
	"Skiff/internal/labels"
	"Skiff/internal/models"
	"Skiff/internal/provider"
	"Skiff/internal/retry"
	"Skiff/internal/spec"
	"Skiff/internal/store"
)

// Each stage of provisioning carries everything the previous stages produced.

type resolvedJob struct {
	event  models.JobEvent
	labels labels.Labels
	spec.Resolution
}

type imagedJob struct {
	resolvedJob
	image models.InstanceImage
}

type matchedJob struct {
	imagedJob
	candidates []models.InstanceTypeCandidate
}

type registeredJob struct {
	matchedJob
	runnerName string
	jitConfig  string
}

// provision runs resolve, image, match, register, render and launch. The
// transition is updated as soon as a runner name exists.
func (c *Controller) provision(ctx context.Context, ev models.JobEvent, l labels.Labels, t *store.JobTransition) (*models.ProvisionedInstance, error) {
	resolved, err := c.resolve(ctx, ev, l)
	if err != nil {
		return nil, err
	}
	imaged, err := c.findImage(ctx, resolved)
	if err != nil {
		return nil, err
	}
	matched, err := c.matchTypes(ctx, imaged)
	if err != nil {
		return nil, err
	}
	registered, err := c.registerRunner(ctx, matched)
	if err != nil {
		return nil, err
	}
	t.RunnerName = registered.runnerName

	userData, err := bootstrap.Render(c.bootstrapConfig(registered), registered.image.Platform)
	if err != nil {
		return nil, err
	}

	return c.provider.Launch(ctx, &provider.LaunchRequest{
		Image:      registered.image,
		Candidates: registered.candidates,
		Runner:     registered.Runner,
		Tags:       c.tags(registered),
		UserData:   userData,
	})
}

func (c *Controller) resolve(ctx context.Context, ev models.JobEvent, l labels.Labels) (resolvedJob, error) {
	ctx, span := c.tracer.Start(ctx, "controller.resolve")
	defer span.End()

	doc, err := c.github.FetchRepoConfig(ctx, ev.Repository)
	if err != nil {
		return resolvedJob{}, err
	}
	res, err := c.resolver.Resolve(ctx, ev.Repository, l, spec.RepoConfigFromMap(doc))
	if err != nil {
		return resolvedJob{}, err
	}
	c.logger.Debug("resolved job specs",
		"repo", ev.Repository,
		"job_id", ev.JobID,
		"runner", res.Runner,
		"image", res.Image,
	)
	return resolvedJob{event: ev, labels: l, Resolution: res}, nil
}

func (c *Controller) findImage(ctx context.Context, job resolvedJob) (imagedJob, error) {
	ctx, span := c.tracer.Start(ctx, "controller.findImage")
	defer span.End()

	image, err := c.provider.FindImage(ctx, job.Image)
	if err != nil {
		return imagedJob{}, err
	}
	return imagedJob{resolvedJob: job, image: image}, nil
}

func (c *Controller) matchTypes(ctx context.Context, job imagedJob) (matchedJob, error) {
	ctx, span := c.tracer.Start(ctx, "controller.matchTypes")
	defer span.End()

	arch := job.image.Arch
	if arch == "" {
		arch = job.Image.Arch
	}
	candidates, err := c.provider.FindInstanceTypes(ctx, models.InstanceTypeQuery{
		Arch:     arch,
		Platform: job.image.Platform,
		CPU:      job.Runner.CPU,
		RAM:      job.Runner.RAM,
		Family:   job.Runner.Family,
	})
	if err != nil {
		return matchedJob{}, err
	}
	return matchedJob{imagedJob: job, candidates: candidates}, nil
}

// registerRunner asks for a just-in-time runner config. Every attempt uses a
// fresh name so a conflict on a half-created runner does not repeat.
func (c *Controller) registerRunner(ctx context.Context, job matchedJob) (registeredJob, error) {
	ctx, span := c.tracer.Start(ctx, "controller.registerRunner")
	defer span.End()

	runnerLabels := lo.Uniq(job.event.Labels)

	type registration struct{ name, jit string }
	reg, err := retry.Do(ctx, c.register, func(attempt int) (registration, error) {
		name := c.runnerName(job.event)
		if attempt > 0 {
			c.logger.Info("retrying runner registration",
				"repo", job.event.Repository,
				"runner", name,
				"attempt", attempt+1,
			)
		}
		jit, err := c.github.RegisterRunner(ctx, job.event.Repository, name, runnerLabels)
		return registration{name: name, jit: jit}, err
	})
	if err != nil {
		return registeredJob{}, err
	}
	return registeredJob{matchedJob: job, runnerName: reg.name, jitConfig: reg.jit}, nil
}

// runnerName is <label>--<job id>--<suffix>, which stays unique across
// retries of the same job.
func (c *Controller) runnerName(ev models.JobEvent) string {
	return fmt.Sprintf("%s--%d--%s", c.cfg.Runner.Label, ev.JobID, c.suffix())
}

func (c *Controller) bootstrapConfig(job registeredJob) bootstrap.Config {
	debug := false
	if v, ok := job.labels.Get("debug"); ok {
		debug, _ = v.AsBool()
	}
	return bootstrap.Config{
		RunnerName:      job.runnerName,
		RunnerJITConfig: job.jitConfig,
		Admins:          job.SSH.Admins,
		Debug:           debug,
		BucketCache:     c.cfg.AWS.CacheBucket,
		Region:          c.cfg.AWS.Region,
		Preinstall:      job.Image.Preinstall,
		CreatedAt:       job.event.CreatedAt,
		ReceivedAt:      job.event.ReceivedAt,
		ScheduledAt:     c.now().UTC(),
	}
}

// tags are the static deployment tags overlaid with the per job ones.
func (c *Controller) tags(job registeredJob) map[string]string {
	prefix := c.cfg.Runner.Label
	ev := job.event

	tags := lo.Assign(c.cfg.AWS.Tags, map[string]string{"Name": job.runnerName})
	set := func(suffix, value string) {
		tags[models.TagKey(prefix, suffix)] = value
	}
	set(models.TagRepoFullName, ev.Repository)
	set(models.TagWorkflowName, ev.WorkflowName)
	set(models.TagWorkflowJobName, ev.JobName)
	set(models.TagWorkflowJobID, strconv.FormatInt(ev.JobID, 10))
	set(models.TagWorkflowRunID, strconv.FormatInt(ev.RunID, 10))
	set(models.TagRunnerID, job.Runner.ID)
	set(models.TagImageID, job.Image.ID)
	set(models.TagLabels, strings.Join(ev.Labels, ","))
	if c.cfg.AWS.CacheBucket != "" {
		set(models.TagBucketCache, c.cfg.AWS.CacheBucket)
	}
	if c.cfg.AWS.StackName != "" {
		tags["stack"] = c.cfg.AWS.StackName
	}
	return tags
}
