package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a Phalanx project",
	Long: `Initialize a directory for use with Phalanx.

Creates the .phalanx directory structure:
  .phalanx/config.yaml   project configuration (created commented-out)
  .phalanx/roles.yaml    per-role session policy overrides
  .phalanx/signals/      file-based pause/kill signals
  .phalanx/logs/         debug logs

The directory argument defaults to the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
}

const exampleConfig = `# Phalanx project configuration. Values here override
# ~/.config/phalanx/config.yaml; environment variables (PHALANX_*) override
# both.
#
# anthropic:
#   model: claude-sonnet-4-5-20250929
#   use_bedrock: false
# concurrency:
#   max_agents: 3
# timeouts:
#   dependency_wait: 10m
#   pause: 5m
#   approval: 30m
#   swarm_task: 15m
# swarm:
#   max_workers: 3
#   failure_threshold: 0.5
#   delete_branches: false
`

const exampleRoles = `# Per-role session policies. Roles: planner, coder, reviewer, tester.
# Omitted fields keep their built-in defaults.
#
# coder:
#   model: claude-sonnet-4-5-20250929
#   sandbox_policy: workspace-write
#   approval_policy: on-request
#   developer_instructions: |
#     Follow the project style guide in CONTRIBUTING.md.
`

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}

	phalanxDir := filepath.Join(absPath, ".phalanx")
	if _, err := os.Stat(phalanxDir); err == nil && !initForce {
		return fmt.Errorf("%s already initialized (use --force to reinitialize)", absPath)
	}

	for _, dir := range []string{
		phalanxDir,
		filepath.Join(phalanxDir, "signals"),
		filepath.Join(phalanxDir, "logs"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	files := map[string]string{
		filepath.Join(phalanxDir, "config.yaml"): exampleConfig,
		filepath.Join(phalanxDir, "roles.yaml"):  exampleRoles,
	}
	for path, content := range files {
		if _, err := os.Stat(path); err == nil && !initForce {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	color.Green("Initialized Phalanx project in %s", absPath)
	fmt.Println("Next steps:")
	fmt.Println("  1. Set ANTHROPIC_API_KEY (or configure Bedrock in .phalanx/config.yaml)")
	fmt.Println("  2. phalanx run \"your first task\"")
	return nil
}
