package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rakunlabs/brain/internal/render"
	"github.com/rakunlabs/brain/internal/store"
)

// systemVersion identifies this build in the "System Version" dynamic
// prompt block.
const systemVersion = "0.1.0"

// promptCache holds the static system-prompt layer: personality files plus
// concatenated Tier-0 instruction skills, rendered once and reused until a
// skill mutation invalidates it.
type promptCache struct {
	mu    sync.RWMutex
	text  string
	valid bool
}

func (c *promptCache) invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// staticPrompt returns the cached static layer, rebuilding it if necessary.
func (l *Loop) staticPrompt(ctx context.Context) (string, error) {
	l.prompt.mu.RLock()
	if l.prompt.valid {
		defer l.prompt.mu.RUnlock()
		return l.prompt.text, nil
	}
	l.prompt.mu.RUnlock()

	l.prompt.mu.Lock()
	defer l.prompt.mu.Unlock()
	if l.prompt.valid {
		return l.prompt.text, nil
	}

	personality, err := l.loadPersonality()
	if err != nil {
		return "", err
	}

	skills, err := l.store.ListSkills(ctx)
	if err != nil {
		return "", fmt.Errorf("system prompt: list skills: %w", err)
	}

	var instructions []string
	for _, sk := range skills {
		if sk.Enabled && sk.Tier == store.SkillTierInstruction {
			instructions = append(instructions, sk.InstructionContent)
		}
	}
	sort.Strings(instructions)

	parts := []string{personality}
	parts = append(parts, instructions...)
	text := strings.Join(parts, "\n\n---\n\n")

	l.prompt.text = text
	l.prompt.valid = true
	return text, nil
}

// loadPersonality reads every file in the configured personality directory
// and substitutes {{AGENT_NAME}} via the render package's mugo templating.
func (l *Loop) loadPersonality() (string, error) {
	entries, err := os.ReadDir(l.personalityDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read personality dir %q: %w", l.personalityDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(l.personalityDir, name))
		if err != nil {
			return "", fmt.Errorf("read personality file %q: %w", name, err)
		}

		rendered, err := render.Execute(string(raw), map[string]any{"AGENT_NAME": l.agentName})
		if err != nil {
			return "", fmt.Errorf("render personality file %q: %w", name, err)
		}
		out = append(out, rendered)
	}

	return strings.Join(out, "\n\n"), nil
}

// dynamicPrompt rebuilds the per-request "Current Capabilities" / "System
// Version" / at-most-once changelog blocks. Delivering an undelivered
// changelog entry marks it delivered immediately, so a crash mid-request can
// at most drop one delivery rather than repeat it.
func (l *Loop) dynamicPrompt(ctx context.Context, toolCount int) (string, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## Current Capabilities\n\nThis agent currently has %d tools available.\n\n", toolCount)
	fmt.Fprintf(&sb, "## System Version\n\n%s\n", systemVersion)

	entries, err := l.store.UndeliveredChangelog(ctx)
	if err != nil {
		return "", fmt.Errorf("system prompt: undelivered changelog: %w", err)
	}
	if len(entries) > 0 {
		entry := entries[0]
		fmt.Fprintf(&sb, "\n## What's New\n\n%s: %s\n", entry.Version, entry.Summary)
		if err := l.store.MarkChangelogDelivered(ctx, entry.Version); err != nil {
			return "", fmt.Errorf("system prompt: mark changelog delivered: %w", err)
		}
	}

	return sb.String(), nil
}

// InvalidatePromptCache clears the static prompt cache. Called alongside
// registry.InvalidateCache on any Tier-0 skill create/update/enable/disable.
func (l *Loop) InvalidatePromptCache() {
	l.prompt.invalidate()
}
