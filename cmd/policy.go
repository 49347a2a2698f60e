package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quietloop/steward/internal/config"
	"github.com/quietloop/steward/internal/policy/admin"
)

func policyCmd() *cobra.Command {
	var dryRun bool
	var confirm bool

	cmd := &cobra.Command{
		Use:   "policy <command> [args...]",
		Short: "Run a policy admin command",
		Long: "Runs one policy admin command against the local policy file, exactly as the\n" +
			"owner would over DM. Examples:\n\n" +
			"  steward policy list-groups\n" +
			"  steward policy allow-group \"family chat\"\n" +
			"  steward policy set-when g-ab12cd34ef mention_only\n" +
			"  steward policy rollback latest --dry-run",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyCommand(args, dryRun, confirm)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without writing the policy file")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm a risky command")
	return cmd
}

func runPolicyCommand(args []string, dryRun, confirm bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)

	svc := admin.NewService(admin.Options{
		PolicyPath: config.PolicyPath(),
		Workspace:  workspace,
	})

	raw := "/policy " + strings.Join(args, " ")
	result := svc.ExecuteText(raw, admin.ActorContext{
		Source:  admin.SourceCLI,
		IsOwner: true,
	}, admin.ExecOptions{DryRun: dryRun, Confirm: confirm})

	fmt.Println(result.Message)
	if result.Mutated {
		fmt.Printf("\npolicy updated: %s -> %s\n", shortHash(result.BeforeHash), shortHash(result.AfterHash))
		if result.BackupRef != "" {
			fmt.Printf("backup: %s\n", result.BackupRef)
		}
	}
	if result.Outcome == admin.OutcomeError || result.UnknownCommand {
		os.Exit(1)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	if h == "" {
		return "-"
	}
	return h
}
