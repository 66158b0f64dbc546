package models

// Suffixes of the tags put on every runner instance. The full key is the
// runner label prefix, a dash, then the suffix (e.g. runs-on-runner-id).
const (
	TagRepoFullName    = "repo-full-name"
	TagWorkflowName    = "workflow-name"
	TagWorkflowJobName = "workflow-job-name"
	TagWorkflowJobID   = "workflow-job-id"
	TagWorkflowRunID   = "workflow-run-id"
	TagRunnerID        = "runner-id"
	TagImageID         = "image-id"
	TagBucketCache     = "bucket-cache"
	TagLabels          = "labels"
)

// TagKey returns the full tag key for suffix under prefix.
func TagKey(prefix, suffix string) string {
	return prefix + "-" + suffix
}
