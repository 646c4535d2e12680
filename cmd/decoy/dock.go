package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mpataki/decoy/internal/distributor"
	"github.com/mpataki/decoy/internal/docking"
	"github.com/mpataki/decoy/internal/lua"
	"github.com/mpataki/decoy/internal/observability"
	"github.com/mpataki/decoy/internal/orchestrator"
	"github.com/mpataki/decoy/internal/prefilter"
)

func newDockCommand() *cobra.Command {
	var (
		useSlurm   bool
		tuneScript string
	)

	cmd := &cobra.Command{
		Use:   "dock <input.pdb>",
		Short: "Deploy docking decoys for an input structure",
		Long: "Dock runs --decoys PASSO trials of --steps steps each against the input\n" +
			"structure. With --slurm every trial becomes a batch script submitted once\n" +
			"the queue is under --max-jobs; otherwise trials run here one at a time.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.CLILogger
			dockArgs := orchestrator.DockArgs{
				InputFile:  args[0],
				Decoys:     cfg.Defaults.Decoys,
				Steps:      cfg.Defaults.Steps,
				Slurm:      useSlurm,
				PreFilter:  cfg.Defaults.PreFilter,
				TuneScript: tuneScript,
			}
			if err := dockArgs.Validate(); err != nil {
				return err
			}

			pf, err := prefilter.Load(dockArgs.PreFilter)
			if err != nil {
				return fmt.Errorf("failed to load pre-filter: %w", err)
			}
			if dockArgs.TuneScript != "" {
				rt := lua.NewRuntime(logger)
				err := rt.Tune(dockArgs.TuneScript, pf, lua.TuneContext{
					InputFile: dockArgs.InputFile,
					Decoys:    dockArgs.Decoys,
					Steps:     dockArgs.Steps,
					Slurm:     dockArgs.Slurm,
				})
				if err != nil {
					return fmt.Errorf("failed to tune pre-filter: %w", err)
				}
			}

			orch, closeStore, err := openOrchestrator(logger)
			if err != nil {
				return err
			}
			defer closeStore()

			d, err := orch.StartDeployment(dockArgs, pf)
			if err != nil {
				return err
			}
			fmt.Printf("Created deployment #%d: %d decoys of %s (%s)\n", d.ID, d.Decoys, d.InputFile, d.Mode)

			if dockArgs.Slurm {
				err = orch.DeployQueue(cmd.Context(), d, pf)
			} else {
				scorer := docking.PoseEnergyScorer{}
				dist := distributor.NewFileDistributor(d.OutputPrefix, d.Decoys, scorer, logger)
				runners := docking.NewExecRunnerFactory(cfg.Serial.RunnerCommand, cfg.Serial.WorkDir, logger)
				err = orch.DeploySerial(cmd.Context(), d, pf, dist, scorer, runners)
				fmt.Printf("Wrote %d decoys\n", dist.Written())
			}

			fmt.Printf("Deployment #%d %s\n", d.ID, d.Status)
			if err != nil {
				logger.Error("Deployment stopped", zap.Int64("deployment_id", d.ID), zap.Error(err))
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntP("decoys", "d", 100, "number of decoys to generate")
	flags.IntP("steps", "n", 2000, "Monte Carlo steps per decoy")
	flags.BoolVarP(&useSlurm, "slurm", "s", false, "submit trials as SLURM jobs instead of running them here")
	flags.StringP("pre-filter", "p", prefilter.Auto, "pre-filter file (.json or .yaml), or auto for engine defaults")
	flags.StringVar(&tuneScript, "tune", "", "Lua script adjusting the pre-filter before deployment")
	flags.Int("max-jobs", 499, "maximum outstanding SLURM jobs before submissions pause")
	flags.Duration("max-wait", 0, "give up waiting for queue capacity after this long (0 waits indefinitely)")

	bindFlag("defaults.decoys", flags.Lookup("decoys"))
	bindFlag("defaults.steps", flags.Lookup("steps"))
	bindFlag("defaults.pre_filter", flags.Lookup("pre-filter"))
	bindFlag("slurm.max_jobs", flags.Lookup("max-jobs"))
	bindFlag("poll.max_wait", flags.Lookup("max-wait"))

	return cmd
}

// bindFlag lets a set flag override the config key while an unset one falls
// back to the config file, environment and defaults.
func bindFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind %s: %v", key, err))
	}
}
