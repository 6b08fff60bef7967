package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// CampaignFile is the YAML definition of a campaign: a reusable template
// describing a source repository, requested runtime duration, and the
// environment variables injected into each instance.
type CampaignFile struct {
	Name            string        `yaml:"name"`
	Source          string        `yaml:"source"`
	DurationMinutes int           `yaml:"duration_minutes"`
	Environment     []EnvVariable `yaml:"environment,omitempty"`
}

// EnvVariable is a single key/value pair injected into the guest
// secrets document.
type EnvVariable struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// LoadCampaignFile loads a campaign definition from a YAML file.
func LoadCampaignFile(path string) (*CampaignFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file %s: %w", path, err)
	}

	var cf CampaignFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign YAML: %w", err)
	}

	if err := cf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid campaign definition: %w", err)
	}

	return &cf, nil
}

// Validate checks the campaign definition for errors.
func (c *CampaignFile) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	u, err := url.Parse(c.Source)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("source must be an absolute URL, got %q", c.Source)
	}
	if c.DurationMinutes <= 0 {
		return fmt.Errorf("duration_minutes must be > 0, got %d", c.DurationMinutes)
	}

	keysSeen := make(map[string]bool)
	for i, v := range c.Environment {
		if v.Key == "" {
			return fmt.Errorf("environment[%d]: key is required", i)
		}
		if keysSeen[v.Key] {
			return fmt.Errorf("environment[%d]: duplicate key %q", i, v.Key)
		}
		keysSeen[v.Key] = true
	}

	return nil
}
