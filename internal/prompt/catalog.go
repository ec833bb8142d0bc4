// Package prompt implements the Prompt Assembler and A/B Assignment
// (§4.7): a versioned catalog of named blocks, variants naming an ordered
// list of blocks per phase, dynamic tool-spec substitution, an
// assembled-prompt cache, and a stable-hash experiment assignment with an
// error-rate pause guard.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Block is one named, versioned fragment of prompt text.
type Block struct {
	Name string `yaml:"name"`
	Text string `yaml:"text"`
}

// ChannelProfile overrides a variant's response_blocks for a specific
// outbound channel (§4.6 "channel-specific constraints").
type ChannelProfile struct {
	Channel        string   `yaml:"channel"`
	ResponseBlocks []string `yaml:"response_blocks"`
	MaxReplyChars  int      `yaml:"max_reply_chars"`
}

// Variant names an ordered list of blocks per phase.
type Variant struct {
	Name                string           `yaml:"name"`
	SystemBlocks        []string         `yaml:"system_blocks"`
	UnderstandingBlocks []string         `yaml:"understanding_blocks"`
	ToolPlanningBlocks  []string         `yaml:"tool_planning_blocks"`
	ResponseBlocks      []string         `yaml:"response_blocks"`
	ChannelProfiles     []ChannelProfile `yaml:"channel_profiles"`
}

// Catalog is the on-disk prompt catalog (§4.7, §6).
type Catalog struct {
	Version  string    `yaml:"version"`
	Blocks   []Block   `yaml:"blocks"`
	Variants []Variant `yaml:"variants"`

	byBlockName   map[string]string
	byVariantName map[string]Variant
}

// Load reads and indexes a prompt catalog from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read prompt catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse prompt catalog: %w", err)
	}
	c.index()
	return &c, nil
}

func (c *Catalog) index() {
	c.byBlockName = make(map[string]string, len(c.Blocks))
	for _, b := range c.Blocks {
		c.byBlockName[b.Name] = b.Text
	}
	c.byVariantName = make(map[string]Variant, len(c.Variants))
	for _, v := range c.Variants {
		c.byVariantName[v.Name] = v
	}
}

// Variant looks up a named variant.
func (c *Catalog) Variant(name string) (Variant, bool) {
	v, ok := c.byVariantName[name]
	return v, ok
}

// blockText concatenates the text of each named block, in order, skipping
// any name the catalog doesn't carry (a catalog editing mistake, not a
// reason to fail the message).
func (c *Catalog) blockText(names []string) string {
	out := ""
	for _, name := range names {
		if text, ok := c.byBlockName[name]; ok {
			out += text
		}
	}
	return out
}

// channelProfile returns the variant's override for channel, if any.
func (v Variant) channelProfile(channel string) (ChannelProfile, bool) {
	for _, p := range v.ChannelProfiles {
		if p.Channel == channel {
			return p, true
		}
	}
	return ChannelProfile{}, false
}
