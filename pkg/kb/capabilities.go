// Package kb assembles the knowledge context an agent works with. It has three tiers:
// static capability text, a per tenant and agent document pack cache, and uncached
// chunk search.
package kb

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_agents.yaml
var defaultAgentsYAML []byte

type Capability struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Role         string   `yaml:"role" json:"role"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	Text         string   `yaml:"text" json:"text"`
}

type capabilityFile struct {
	Agents []Capability `yaml:"agents"`
}

// Capabilities is loaded once at startup and read-only afterwards.
type Capabilities struct {
	byID map[string]Capability
}

func NormalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func ParseCapabilities(raw []byte) (*Capabilities, error) {
	var f capabilityFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse capabilities: %w", err)
	}
	c := &Capabilities{byID: make(map[string]Capability, len(f.Agents))}
	for i, a := range f.Agents {
		id := NormalizeAgentID(a.ID)
		if id == "" {
			return nil, fmt.Errorf("parse capabilities: agents[%d] has no id", i)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("parse capabilities: duplicate agent %q", id)
		}
		a.ID = id
		a.Text = strings.TrimSpace(a.Text)
		c.byID[id] = a
	}
	return c, nil
}

// LoadCapabilities reads path, or the embedded default set when path is empty.
func LoadCapabilities(path string) (*Capabilities, error) {
	if strings.TrimSpace(path) == "" {
		return ParseCapabilities(defaultAgentsYAML)
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read capabilities: %w", err)
	}
	return ParseCapabilities(raw)
}

func (c *Capabilities) Get(agentID string) (Capability, bool) {
	if c == nil {
		return Capability{}, false
	}
	a, ok := c.byID[NormalizeAgentID(agentID)]
	return a, ok
}

func (c *Capabilities) IDs() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.byID))
	for id := range c.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
