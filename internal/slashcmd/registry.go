// Package slashcmd provides the slash command registry: a fixed built-in
// layer plus a dynamic layer reseeded from each backend init.
package slashcmd

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/beamcode/beamcode/pkg/types"
)

// Kind classifies how a command is answered.
type Kind string

const (
	// KindConsumerLocal commands are answered entirely inside the broker.
	KindConsumerLocal Kind = "consumer_local"
	// KindRelay commands are answered from session state.
	KindRelay Kind = "relay"
	// KindPassthrough commands are forwarded to the backend and their echo
	// intercepted.
	KindPassthrough Kind = "passthrough"
)

// Sources for slash_command_result frames.
const (
	SourceEmulated = "emulated"
	SourcePTY      = "pty"
	SourceCLI      = "cli"
)

// Command is one registry entry.
type Command struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
	Kind         Kind   `json:"kind"`
}

// Registry is a two-layer command map. Built-ins are immutable after
// construction; the dynamic layer is swapped wholesale on every backend
// init. Lookup prefers built-ins.
type Registry struct {
	mu      sync.RWMutex
	builtin map[string]Command
	dynamic map[string]Command
}

// NewRegistry creates a registry seeded with the built-in commands.
func NewRegistry() *Registry {
	r := &Registry{
		builtin: make(map[string]Command),
		dynamic: make(map[string]Command),
	}

	for _, cmd := range []Command{
		{Name: "/help", Description: "Show available commands", Kind: KindConsumerLocal},
		{Name: "/clear", Description: "Clear the conversation view", Kind: KindConsumerLocal},
		{Name: "/model", Description: "Show the current model", Kind: KindRelay},
		{Name: "/status", Description: "Show session status", Kind: KindRelay},
		{Name: "/config", Description: "Show session configuration", Kind: KindRelay},
		{Name: "/cost", Description: "Show accumulated cost", Kind: KindRelay},
		{Name: "/context", Description: "Show context usage", Kind: KindPassthrough},
		{Name: "/compact", Description: "Compact the conversation", Kind: KindPassthrough},
		{Name: "/files", Description: "List files the session touched", Kind: KindPassthrough},
		{Name: "/release-notes", Description: "Show release notes", Kind: KindPassthrough},
	} {
		r.builtin[cmd.Name] = cmd
	}

	return r
}

// normalize ensures the leading slash.
func normalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return name
	}
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	// Arguments after the command word do not participate in lookup.
	if i := strings.IndexByte(name, ' '); i > 0 {
		name = name[:i]
	}
	return name
}

// Lookup finds a command by name, built-ins first.
func (r *Registry) Lookup(name string) (Command, bool) {
	name = normalize(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if cmd, ok := r.builtin[name]; ok {
		return cmd, true
	}
	cmd, ok := r.dynamic[name]
	return cmd, ok
}

// Reseed replaces the dynamic layer from a backend init's slash_commands
// and skills. Built-ins are preserved.
func (r *Registry) Reseed(slashCommands []string, skills []types.SkillInfo) {
	dynamic := make(map[string]Command)

	for _, name := range slashCommands {
		name = normalize(name)
		if name == "" {
			continue
		}
		dynamic[name] = Command{Name: name, Kind: KindPassthrough}
	}
	for _, skill := range skills {
		name := normalize(skill.Name)
		if name == "" {
			continue
		}
		dynamic[name] = Command{Name: name, Description: skill.Description, Kind: KindPassthrough}
	}

	r.mu.Lock()
	r.dynamic = dynamic
	r.mu.Unlock()
}

// Enrich merges capability-reported descriptions into existing entries
// in place. Unknown names are added as passthrough commands.
func (r *Registry) Enrich(commands []types.CommandInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, info := range commands {
		name := normalize(info.Name)
		if name == "" {
			continue
		}
		if cmd, ok := r.dynamic[name]; ok {
			if info.Description != "" {
				cmd.Description = info.Description
			}
			if info.ArgumentHint != "" {
				cmd.ArgumentHint = info.ArgumentHint
			}
			r.dynamic[name] = cmd
			continue
		}
		if _, ok := r.builtin[name]; ok {
			continue
		}
		r.dynamic[name] = Command{
			Name:         name,
			Description:  info.Description,
			ArgumentHint: info.ArgumentHint,
			Kind:         KindPassthrough,
		}
	}
}

// List returns every command sorted by name.
func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.builtin)+len(r.dynamic))
	out := make([]Command, 0, len(r.builtin)+len(r.dynamic))
	for name, cmd := range r.builtin {
		seen[name] = true
		out = append(out, cmd)
	}
	for name, cmd := range r.dynamic {
		if seen[name] {
			continue
		}
		out = append(out, cmd)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HelpText renders the /help listing from the current registry contents.
func (r *Registry) HelpText() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range r.List() {
		if cmd.Description != "" {
			fmt.Fprintf(&b, "  %s - %s\n", cmd.Name, cmd.Description)
		} else {
			fmt.Fprintf(&b, "  %s\n", cmd.Name)
		}
	}
	return b.String()
}
