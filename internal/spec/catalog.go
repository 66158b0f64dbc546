package spec

const (
	// DefaultRunner is used when a job asks for nothing in particular.
	DefaultRunner = "2cpu-linux-x64"
	// DefaultImage is used when neither the job nor its runner names an image.
	DefaultImage = "ubuntu22-full-x64"

	runsOnOwner = "135269210855"
	ubuntuOwner = "099720109477"

	dockerPreinstall = "#!/bin/bash\ncurl -fsSL https://get.docker.com | sh\nusermod -aG docker $RUNS_ON_AGENT_USER\n"
)

// RunnerAttributes is the allow-list applied to every runner spec source.
var RunnerAttributes = []string{"cpu", "ram", "family", "hdd", "iops", "throughput", "spot", "ssh", "image"}

// ImageAttributes is the allow-list applied to every image spec source.
var ImageAttributes = []string{"ami", "owner", "name", "platform", "arch", "preinstall"}

// Runners is the built-in runner catalog.
var Runners = map[string]Attributes{
	"1cpu-linux-x64":  {"cpu": 1, "family": []string{"m7a", "m6a"}, "image": "ubuntu22-full-x64"},
	"2cpu-linux-x64":  {"cpu": 2, "family": []string{"m7i", "m7a"}, "image": "ubuntu22-full-x64"},
	"4cpu-linux-x64":  {"cpu": 4, "family": []string{"m7i", "m7a"}, "image": "ubuntu22-full-x64"},
	"8cpu-linux-x64":  {"cpu": 8, "family": []string{"c7i", "c7a", "m7i", "m7a"}, "image": "ubuntu22-full-x64", "throughput": 750, "iops": 4000},
	"16cpu-linux-x64": {"cpu": 16, "family": []string{"c7i", "c7a", "m7i", "m7a"}, "image": "ubuntu22-full-x64", "throughput": 750, "iops": 4000},
	"32cpu-linux-x64": {"cpu": 32, "family": []string{"c7i", "c7a", "m7i", "m7a"}, "image": "ubuntu22-full-x64", "throughput": 750, "iops": 4000},
	"48cpu-linux-x64": {"cpu": 48, "family": []string{"c7i", "c7a", "m7i", "m7a"}, "image": "ubuntu22-full-x64", "throughput": 1000, "iops": 4000},
	"64cpu-linux-x64": {"cpu": 64, "family": []string{"c7i", "c7a", "m7i", "m7a"}, "image": "ubuntu22-full-x64", "throughput": 1000, "iops": 4000},

	"1cpu-linux-arm64":  {"cpu": 1, "family": []string{"m7g", "t4g.medium"}, "image": "ubuntu22-full-arm64"},
	"2cpu-linux-arm64":  {"cpu": 2, "family": []string{"m7g", "t4g.large"}, "image": "ubuntu22-full-arm64"},
	"4cpu-linux-arm64":  {"cpu": 4, "family": []string{"m7g", "t4g"}, "image": "ubuntu22-full-arm64"},
	"8cpu-linux-arm64":  {"cpu": 8, "family": []string{"c7g", "m7g"}, "image": "ubuntu22-full-arm64", "throughput": 750, "iops": 4000},
	"16cpu-linux-arm64": {"cpu": 16, "family": []string{"c7g", "m7g"}, "image": "ubuntu22-full-arm64", "throughput": 750, "iops": 4000},
	"32cpu-linux-arm64": {"cpu": 32, "family": []string{"c7g", "m7g"}, "image": "ubuntu22-full-arm64", "throughput": 750, "iops": 4000},
	"48cpu-linux-arm64": {"cpu": 48, "family": []string{"c7g", "m7g"}, "image": "ubuntu22-full-arm64", "throughput": 1000, "iops": 4000},
	"64cpu-linux-arm64": {"cpu": 64, "family": []string{"c7g", "m7g"}, "image": "ubuntu22-full-arm64", "throughput": 1000, "iops": 4000},
}

// Images is the built-in image catalog.
var Images = map[string]Attributes{
	"ubuntu22-full-x64": {
		"platform": "linux", "arch": "x64",
		"name": "runs-on-ubuntu22-full-x64-*", "owner": runsOnOwner,
	},
	"ubuntu22-full-arm64": {
		"platform": "linux", "arch": "arm64",
		"name": "runs-on-ubuntu22-full-arm64-*", "owner": runsOnOwner,
	},
	"ubuntu22-docker-x64": {
		"platform": "linux", "arch": "x64",
		"name": "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*", "owner": ubuntuOwner,
		"preinstall": dockerPreinstall,
	},
	"ubuntu22-docker-arm64": {
		"platform": "linux", "arch": "arm64",
		"name": "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-arm64-server-*", "owner": ubuntuOwner,
		"preinstall": dockerPreinstall,
	},
	"ubuntu22-base-x64": {
		"platform": "linux", "arch": "x64",
		"name": "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*", "owner": ubuntuOwner,
	},
	"ubuntu22-base-arm64": {
		"platform": "linux", "arch": "arm64",
		"name": "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-arm64-server-*", "owner": ubuntuOwner,
	},
}
