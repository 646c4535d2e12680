package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mpataki/decoy/internal/config"
	"github.com/mpataki/decoy/internal/models"
	"github.com/mpataki/decoy/internal/observability"
	"github.com/mpataki/decoy/internal/orchestrator"
	"github.com/mpataki/decoy/internal/slurm"
	"github.com/mpataki/decoy/internal/storage"
	"github.com/mpataki/decoy/internal/tui"
	"github.com/mpataki/decoy/internal/workspace"
)

// cfg is loaded once per invocation by the root command's PersistentPreRunE.
var cfg *config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCommand().ExecuteContext(ctx)
	observability.Sync()
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "decoy",
		Short: "PASSO docking decoy deployer",
		Long: "Decoy runs repeated PASSO docking trials against a structure, either\n" +
			"serially on this machine or as SLURM batch jobs throttled to a queue ceiling.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				viper.SetConfigFile(configFile)
			}

			var err error
			cfg, err = config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := observability.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			return nil
		},
		RunE: runTUI,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default $DATA_DIR/config.yaml)")
	flags.String("data-dir", "", "directory for the database and scratch space (default ~/.decoy)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "console", "log format: console or json")
	bindFlag("data_dir", flags.Lookup("data-dir"))
	bindFlag("log.level", flags.Lookup("log-level"))
	bindFlag("log.format", flags.Lookup("log-format"))

	rootCmd.AddCommand(newDockCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newCleanCommand())

	return rootCmd
}

// openOrchestrator opens the database and wires the scheduler client. The
// returned func closes the database.
func openOrchestrator(logger *zap.Logger) (*orchestrator.Orchestrator, func(), error) {
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	queue := slurm.NewClient(slurm.ExecRunner, logger)
	orch := orchestrator.New(store, cfg, queue, logger)
	return orch, func() { store.Close() }, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	// log lines would tear the alternate screen
	orch, closeStore, err := openOrchestrator(zap.NewNop())
	if err != nil {
		return err
	}
	defer closeStore()

	app := tui.NewApp(cmd.Context(), orch)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))

	_, err = p.Run()
	return err
}

func newListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, closeStore, err := openOrchestrator(observability.CLILogger)
			if err != nil {
				return err
			}
			defer closeStore()

			deployments, err := orch.ListDeployments(limit)
			if err != nil {
				return err
			}

			if len(deployments) == 0 {
				fmt.Println("No deployments found.")
				return nil
			}

			for _, d := range deployments {
				counts, err := orch.TrialCounts(d.ID)
				if err != nil {
					return err
				}
				fmt.Printf("#%d %s [%s] %s %d/%d complete, %s\n",
					d.ID, d.InputFile, d.Mode, d.Status,
					counts[models.TrialStatusComplete], d.Decoys,
					storage.FormatTimeAgo(d.CreatedAt))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of deployments to show")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show a deployment and its trials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			orch, closeStore, err := openOrchestrator(observability.CLILogger)
			if err != nil {
				return err
			}
			defer closeStore()

			d, err := orch.GetDeployment(id)
			if err != nil {
				return fmt.Errorf("failed to get deployment: %w", err)
			}
			if refresh {
				if d, err = orch.Refresh(cmd.Context(), id); err != nil {
					return err
				}
			}

			fmt.Printf("Deployment #%d (%s)\n", d.ID, d.Key)
			fmt.Printf("Status: %s\n", d.Status)
			fmt.Printf("Input: %s\n", d.InputFile)
			fmt.Printf("Output prefix: %s\n", d.OutputPrefix)
			fmt.Printf("Mode: %s, %d decoys x %d steps\n", d.Mode, d.Decoys, d.Steps)
			fmt.Printf("Pre-filter: %s\n", d.PreFilter)
			if d.Error != "" {
				fmt.Printf("Error: %s\n", d.Error)
			}

			trials, err := orch.GetTrials(id)
			if err != nil {
				return err
			}
			if len(trials) > 0 {
				fmt.Println("\nTrials:")
				for _, t := range trials {
					line := fmt.Sprintf("  %d. %s [%s]", t.Index, t.OutputName, t.Status)
					if t.JobID != "" {
						line += " job " + t.JobID
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "query the scheduler for job states first")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <deployment-id>",
		Short: "Cancel a deployment's queued jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			orch, closeStore, err := openOrchestrator(observability.CLILogger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := orch.Cancel(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to cancel deployment: %w", err)
			}

			fmt.Printf("Cancelled deployment #%d\n", id)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <deployment-id>",
		Short: "Delete a deployment record and its scripts and logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			orch, closeStore, err := openOrchestrator(observability.CLILogger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := orch.Delete(id); err != nil {
				return fmt.Errorf("failed to delete deployment: %w", err)
			}

			fmt.Printf("Deleted deployment #%d\n", id)
			return nil
		},
	}
}

func newCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <input.pdb>",
		Short: "Remove generated scripts, logs and markers next to an input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (orchestrator.DockArgs{InputFile: args[0]}).Validate(); err != nil {
				return err
			}

			removed, err := workspace.Clean(workspace.OutputPrefix(args[0]))
			if err != nil {
				return err
			}
			for _, path := range removed {
				observability.CLILogger.Debug("Removed", zap.String("path", path))
			}

			fmt.Printf("Removed %d files\n", len(removed))
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid deployment ID: %w", err)
	}
	return id, nil
}
