package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ecrain/phalanx/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Display the configuration Phalanx would run with.

Values merge, highest precedence first: PHALANX_* environment variables,
.phalanx/config.yaml in the project (or a parent), then
~/.config/phalanx/config.yaml, then built-in defaults.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		displayConfig(cfg)
	},
}

func displayConfig(cfg *config.Config) {
	fmt.Println("anthropic:")
	fmt.Printf("  api_key: %s\n", config.MaskAPIKey(cfg.Anthropic.APIKey))
	fmt.Printf("  model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("  use_bedrock: %v\n", cfg.Anthropic.UseBedrock)
	if cfg.Anthropic.UseBedrock {
		fmt.Printf("  aws_region: %s\n", cfg.Anthropic.AWSRegion)
		fmt.Printf("  aws_profile: %s\n", cfg.Anthropic.AWSProfile)
	}
	fmt.Println("concurrency:")
	fmt.Printf("  max_agents: %d\n", cfg.Concurrency.MaxAgents)
	fmt.Println("timeouts:")
	fmt.Printf("  dependency_wait: %s\n", cfg.Timeouts.DependencyWait)
	fmt.Printf("  pause: %s\n", cfg.Timeouts.Pause)
	fmt.Printf("  approval: %s\n", cfg.Timeouts.Approval)
	fmt.Printf("  swarm_task: %s\n", cfg.Timeouts.SwarmTask)
	fmt.Println("intervals:")
	fmt.Printf("  dependency_poll: %s\n", cfg.Intervals.DependencyPoll)
	fmt.Printf("  slot_poll: %s\n", cfg.Intervals.SlotPoll)
	fmt.Printf("  swarm_backoff: %s\n", cfg.Intervals.SwarmBackoff)
	fmt.Println("swarm:")
	fmt.Printf("  max_workers: %d\n", cfg.Swarm.MaxWorkers)
	fmt.Printf("  failure_threshold: %.2f\n", cfg.Swarm.FailureThreshold)
	fmt.Printf("  delete_branches: %v\n", cfg.Swarm.DeleteBranches)
	fmt.Printf("\nuser config: %s\n", config.GetUserConfigPath())
}
