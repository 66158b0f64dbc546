package models

import "time"

// JobPhase is the lifecycle phase carried by a workflow_job delivery
type JobPhase string

const (
	PhaseQueued     JobPhase = "queued"
	PhaseInProgress JobPhase = "in_progress"
	PhaseCompleted  JobPhase = "completed"
)

// JobEvent is an immutable snapshot of one workflow_job webhook delivery
type JobEvent struct {
	DeliveryID   string    `json:"delivery_id,omitempty"`
	JobID        int64     `json:"job_id"`
	RunID        int64     `json:"run_id"`
	JobName      string    `json:"job_name"`
	WorkflowName string    `json:"workflow_name"`
	Labels       []string  `json:"labels"`
	Phase        JobPhase  `json:"phase"`
	Conclusion   string    `json:"conclusion,omitempty"` // empty until completed
	Repository   string    `json:"repository"`           // owner/name
	CreatedAt    time.Time `json:"created_at"`
	ReceivedAt   time.Time `json:"received_at"`
	RunnerName   string    `json:"runner_name,omitempty"` // in_progress and completed only
	HTMLURL      string    `json:"html_url,omitempty"`
}

// RunnerSpec is the resolved compute request for one job
type RunnerSpec struct {
	ID         string   `json:"id"`
	CPU        []int    `json:"cpu,omitempty"`
	RAM        []int    `json:"ram,omitempty"` // GiB
	Family     []string `json:"family,omitempty"`
	HDD        int      `json:"hdd,omitempty"` // GiB
	IOPS       int      `json:"iops,omitempty"`
	Throughput int      `json:"throughput,omitempty"` // MiB/s
	Spot       bool     `json:"spot"`
	SSH        bool     `json:"ssh"`
	Image      string   `json:"image,omitempty"`
}

// ImageSpec is the resolved machine image request. Either AMI is set, or
// Name/Owner/Arch/Platform describe a search.
type ImageSpec struct {
	ID         string   `json:"id"`
	AMI        string   `json:"ami,omitempty"`
	Name       string   `json:"name,omitempty"`
	Owner      string   `json:"owner,omitempty"`
	Arch       string   `json:"arch,omitempty"`
	Platform   string   `json:"platform,omitempty"`
	Preinstall []string `json:"preinstall,omitempty"`
}

// SSHSpec lists the users whose public keys are installed on the runner
type SSHSpec struct {
	Admins []string `json:"admins"`
}

// InstanceImage is the concrete image returned by EC2
type InstanceImage struct {
	AMI            string `json:"ami"`
	Name           string `json:"name"`
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
	Owner          string `json:"owner"`
	MinDiskSize    int    `json:"min_disk_size"` // GiB
	RootDeviceName string `json:"root_device_name"`
}

// InstanceTypeQuery is the input of the instance type matcher
type InstanceTypeQuery struct {
	Arch     string
	Platform string
	CPU      []int
	RAM      []int
	Family   []string
}

// InstanceTypeCandidate is one catalog entry that satisfies a query
type InstanceTypeCandidate struct {
	InstanceType    string `json:"instance_type"`
	Family          string `json:"family"`
	VCPUs           int    `json:"vcpus"`
	MemoryMiB       int64  `json:"memory_mib"`
	InstanceStorage bool   `json:"instance_storage"`
}

// Instance lifecycles as reported in tags and usage metrics
const (
	LifecycleSpot     = "spot"
	LifecycleOnDemand = "on-demand"
)

// ProvisionedInstance is the result of a successful launch
type ProvisionedInstance struct {
	InstanceID   string            `json:"instance_id"`
	InstanceType string            `json:"instance_type"`
	Lifecycle    string            `json:"lifecycle"`
	LaunchTime   time.Time         `json:"launch_time"`
	Tags         map[string]string `json:"tags"`
}

// TerminatedInstance is what termination found about the runner's instance
type TerminatedInstance struct {
	InstanceID            string            `json:"instance_id"`
	InstanceType          string            `json:"instance_type"`
	Lifecycle             string            `json:"lifecycle"`
	LaunchTime            time.Time         `json:"launch_time"`
	StateTransitionReason string            `json:"state_transition_reason,omitempty"`
	Tags                  map[string]string `json:"tags"`
}
