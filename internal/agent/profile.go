// Package agent answers messages addressed to the agent identity using an
// external completion service.
package agent

import (
	"fmt"
	"os"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// DefaultApology is sent when the completion service cannot produce a reply.
const DefaultApology = "Sorry, I can't answer right now. Please try again in a moment."

// Profile is the agent persona loaded from YAML.
type Profile struct {
	DisplayName  string `yaml:"display_name"`
	Avatar       string `yaml:"avatar"`
	SystemPrompt string `yaml:"system_prompt"`
	Apology      string `yaml:"apology"`
}

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() Profile {
	return Profile{
		DisplayName:  "Assistant",
		SystemPrompt: "You are a helpful assistant inside a chat app. Keep answers short.",
		Apology:      DefaultApology,
	}
}

// LoadProfile reads a YAML profile over the defaults. An empty path returns
// the defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read agent profile: %w", err)
	}
	if err := yamlv3.Unmarshal(b, &p); err != nil {
		return Profile{}, fmt.Errorf("parse agent profile: %w", err)
	}
	if strings.TrimSpace(p.Apology) == "" {
		p.Apology = DefaultApology
	}
	return p, nil
}
