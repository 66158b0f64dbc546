// Package bootstrap renders the user data that turns a fresh instance into a
// registered runner: it writes the runner config, installs SSH keys for
// admins, runs preinstall scripts and starts the agent.
package bootstrap

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/alessio/shellescape"
	sprig "github.com/go-task/slim-sprig/v3"

	"Skiff/internal/apperrors"
	"Skiff/internal/models"
)

// MaxUserDataSize is the EC2 limit on raw user data.
const MaxUserDataSize = 16 * 1024

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(
	template.New("bootstrap").
		Funcs(sprig.TxtFuncMap()).
		Funcs(template.FuncMap{
			"shellquote": shellescape.Quote,
			"psquote":    powershellQuote,
		}).
		ParseFS(templateFS, "templates/*.tmpl"),
)

// Config is what the instance needs to come up as a runner. It is written
// as JSON next to the agent.
type Config struct {
	RunnerName      string    `json:"runnerName"`
	RunnerJITConfig string    `json:"runnerJitConfig"`
	Admins          []string  `json:"admins"`
	Debug           bool      `json:"debug"`
	BucketCache     string    `json:"s3BucketCache,omitempty"`
	Region          string    `json:"awsRegion"`
	Preinstall      []string  `json:"preinstall"`
	CreatedAt       time.Time `json:"createdAt"`
	ReceivedAt      time.Time `json:"receivedAt"`
	ScheduledAt     time.Time `json:"scheduledAt"`
}

type templateData struct {
	Config
	ConfigJSON string
}

// Render produces the user data script for platform.
func Render(cfg Config, platform string) (string, error) {
	if cfg.Admins == nil {
		cfg.Admins = []string{}
	}
	if cfg.Preinstall == nil {
		cfg.Preinstall = []string{}
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode runner config: %w", err)
	}

	name := "linux.sh.tmpl"
	if models.IsWindows(platform) {
		name = "windows.ps1.tmpl"
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, templateData{Config: cfg, ConfigJSON: string(raw)}); err != nil {
		return "", fmt.Errorf("failed to render user data: %w", err)
	}
	if buf.Len() > MaxUserDataSize {
		return "", apperrors.Configuration("bootstrap.Render",
			"user data is %d bytes, above the %d bytes limit; shorten the preinstall scripts", buf.Len(), MaxUserDataSize)
	}
	return buf.String(), nil
}

func powershellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
