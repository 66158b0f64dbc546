// Package spec turns a job's labels and its repository configuration into the
// runner, image and SSH specs the provisioning engine works from.
package spec

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/samber/lo"

	"Skiff/internal/apperrors"
	"Skiff/internal/labels"
	"Skiff/internal/models"
)

const maxAdmins = 10

var adminPattern = regexp.MustCompile(`^[\w-]+$`)

// CollaboratorLister returns the usernames allowed to SSH into runners of a
// repository.
type CollaboratorLister interface {
	ListAdmins(ctx context.Context, repo string) ([]string, error)
}

// Resolution is the output of the resolver for one job.
type Resolution struct {
	Runner models.RunnerSpec
	Image  models.ImageSpec
	SSH    models.SSHSpec
}

// Resolver merges catalogs, repo config and labels.
type Resolver struct {
	runners map[string]Attributes
	images  map[string]Attributes
	lister  CollaboratorLister
	logger  *slog.Logger
}

// NewResolver creates a resolver over the built-in catalogs. lister may be nil,
// in which case only admins from the repo config are used.
func NewResolver(lister CollaboratorLister, logger *slog.Logger) *Resolver {
	return &Resolver{
		runners: Runners,
		images:  Images,
		lister:  lister,
		logger:  logger.With("component", "spec"),
	}
}

// Resolve produces the runner, image and SSH specs for a job.
func (r *Resolver) Resolve(ctx context.Context, repo string, l labels.Labels, cfg RepoConfig) (Resolution, error) {
	runner, err := r.ResolveRunner(l, cfg)
	if err != nil {
		return Resolution{}, err
	}
	image, err := r.ResolveImage(l, cfg, runner)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Runner: runner,
		Image:  image,
		SSH:    r.ResolveSSH(ctx, repo, runner, cfg),
	}, nil
}

// ResolveRunner merges catalog entry, repo config override and labels, in
// that order of increasing precedence.
func (r *Resolver) ResolveRunner(l labels.Labels, cfg RepoConfig) (models.RunnerSpec, error) {
	merged := make(Attributes)
	id := l.Text("runner")

	if id != "" {
		base, inCatalog := r.runners[id]
		override, inConfig := cfg.Runners[id]
		if !inCatalog && !inConfig {
			return models.RunnerSpec{}, apperrors.Configuration("spec.ResolveRunner",
				"no runner spec found for runner=%s, verify your labels and config file", id)
		}
		merged.merge(Project(base, RunnerAttributes))
		merged.merge(Project(override, RunnerAttributes))
	}

	fromLabels := Project(labelAttributes(l), RunnerAttributes)
	merged.merge(fromLabels)
	if id == "" {
		id = fromLabels.id()
	}

	if len(merged) == 0 {
		id = DefaultRunner
		merged = Project(r.runners[DefaultRunner], RunnerAttributes)
	}

	family := toStrings(merged["family"])
	if len(family) > 1 {
		family = lo.Uniq(family)
	}

	return models.RunnerSpec{
		ID:         id,
		CPU:        toInts(merged["cpu"]),
		RAM:        toInts(merged["ram"]),
		Family:     family,
		HDD:        toInt(merged["hdd"]),
		IOPS:       toInt(merged["iops"]),
		Throughput: toInt(merged["throughput"]),
		Spot:       toBool(merged["spot"], true),
		SSH:        toBool(merged["ssh"], true),
		Image:      toString(merged["image"]),
	}, nil
}

// ResolveImage resolves the image for a job. An ami label wins outright;
// otherwise the image named by the labels, or by the runner spec, is merged
// with its repo config override and the image labels.
func (r *Resolver) ResolveImage(l labels.Labels, cfg RepoConfig, runner models.RunnerSpec) (models.ImageSpec, error) {
	if ami := l.Text("ami"); ami != "" {
		return models.ImageSpec{ID: ami, AMI: ami}, nil
	}

	merged := make(Attributes)
	id := l.Text("image")
	if id == "" {
		id = runner.Image
	}

	if id != "" {
		base, inCatalog := r.images[id]
		override, inConfig := cfg.Images[id]
		if !inCatalog && !inConfig {
			return models.ImageSpec{}, apperrors.Configuration("spec.ResolveImage",
				"no image spec found for image=%s, verify your labels and config file", id)
		}
		merged.merge(Project(base, ImageAttributes))
		merged.merge(Project(override, ImageAttributes))
	}

	fromLabels := Project(labelAttributes(l), ImageAttributes)
	merged.merge(fromLabels)
	if id == "" {
		id = fromLabels.id()
	}

	if len(merged) == 0 {
		id = DefaultImage
		merged = Project(r.images[DefaultImage], ImageAttributes)
	}

	img := models.ImageSpec{
		ID:         id,
		AMI:        toString(merged["ami"]),
		Name:       toString(merged["name"]),
		Owner:      toString(merged["owner"]),
		Preinstall: toScripts(merged["preinstall"]),
	}
	if img.AMI == "" {
		if img.Name == "" {
			return models.ImageSpec{}, apperrors.Configuration("spec.ResolveImage",
				"image spec %s needs either an ami or a name", id)
		}
		if img.Owner == "" {
			return models.ImageSpec{}, apperrors.Configuration("spec.ResolveImage",
				"image spec %s searches by name and needs an owner", id)
		}
		img.Arch = models.NormalizeArch(lo.Ternary(toString(merged["arch"]) == "", "x64", toString(merged["arch"])))
		img.Platform = models.NormalizePlatform(lo.Ternary(toString(merged["platform"]) == "", "linux", toString(merged["platform"])))
	}
	return img, nil
}

// ResolveSSH returns the admins whose keys go on the runner. Explicit admins
// in the repo config win over the hosting platform's collaborator list.
func (r *Resolver) ResolveSSH(ctx context.Context, repo string, runner models.RunnerSpec, cfg RepoConfig) models.SSHSpec {
	if !runner.SSH {
		return models.SSHSpec{Admins: []string{}}
	}
	if cfg.Admins != nil {
		return models.SSHSpec{Admins: validAdmins(cfg.Admins)}
	}
	if r.lister == nil {
		return models.SSHSpec{Admins: []string{}}
	}

	admins, err := r.lister.ListAdmins(ctx, repo)
	if err != nil {
		r.logger.Warn("failed to list repository admins, continuing without ssh keys",
			"repo", repo, "error", err)
		return models.SSHSpec{Admins: []string{}}
	}
	return models.SSHSpec{Admins: validAdmins(admins)}
}

func validAdmins(names []string) []string {
	valid := lo.Filter(names, func(name string, _ int) bool {
		return adminPattern.MatchString(name)
	})
	if len(valid) > maxAdmins {
		valid = valid[:maxAdmins]
	}
	if valid == nil {
		valid = []string{}
	}
	return valid
}

func labelAttributes(l labels.Labels) Attributes {
	out := make(Attributes, len(l))
	for k, v := range l {
		out[k] = v.Any()
	}
	return out
}
