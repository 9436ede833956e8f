// Package cloudinit renders the #cloud-config bootstrap document that
// turns a freshly booted instance into a registered runner.  The
// embedded start script receives the encoded JIT configuration and the
// local user/group to run the runner process as.
package cloudinit

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed start.sh
var startScript string

// Placeholders substituted into the start script template.
const (
	jitConfigPlaceholder   = "___JIT_CONFIG___"
	runnerUserPlaceholder  = "___RUNNER_USER___"
	runnerGroupPlaceholder = "___RUNNER_GROUP___"
)

type document struct {
	WriteFiles []writeFile `yaml:"write_files"`
	RunCmd     []string    `yaml:"runcmd"`
}

type writeFile struct {
	Path        string `yaml:"path"`
	Content     string `yaml:"content"`
	Permissions string `yaml:"permissions"`
}

// Render produces the user-data blob for an instance: a cloud-config
// document writing the start script to /start.sh and running it once
// on first boot.
func Render(jitConfig, runnerUser, runnerGroup string) ([]byte, error) {
	content := strings.NewReplacer(
		jitConfigPlaceholder, jitConfig,
		runnerUserPlaceholder, runnerUser,
		runnerGroupPlaceholder, runnerGroup,
	).Replace(startScript)

	doc := document{
		WriteFiles: []writeFile{
			{
				Path:        "/start.sh",
				Content:     content,
				Permissions: "0755",
			},
		},
		RunCmd: []string{"/start.sh"},
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling cloud-config: %w", err)
	}

	return append([]byte("#cloud-config\n"), body...), nil
}
