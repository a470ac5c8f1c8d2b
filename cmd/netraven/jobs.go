package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/netraven/netraven/pkg/config"
	"github.com/netraven/netraven/pkg/jobs"
	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/scheduler"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage job definitions and runs",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job definition",
	Long: `Create a job definition. Exactly one of --device or --tags selects
the target, and exactly one of --interval, --cron, or --at sets the
schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		jobType, _ := cmd.Flags().GetString("type")
		deviceID, _ := cmd.Flags().GetString("device")
		tags, _ := cmd.Flags().GetString("tags")
		interval, _ := cmd.Flags().GetInt("interval")
		cronExpr, _ := cmd.Flags().GetString("cron")
		at, _ := cmd.Flags().GetString("at")
		disabled, _ := cmd.Flags().GetBool("disabled")

		if err := validateJobType(jobType); err != nil {
			return err
		}
		schedule, err := buildSchedule(interval, cronExpr, at)
		if err != nil {
			return err
		}

		return withStore(func(cfg config.Config, store storage.Store) error {
			def := &types.JobDefinition{
				ID:        uuid.New().String(),
				Name:      name,
				Type:      jobType,
				Target:    types.JobTarget{DeviceID: deviceID, TagIDs: splitTags(tags)},
				Schedule:  schedule,
				Enabled:   !disabled,
				CreatedAt: time.Now().UTC(),
				UpdatedAt: time.Now().UTC(),
			}
			if err := def.Validate(); err != nil {
				return err
			}
			if err := store.CreateJobDefinition(def); err != nil {
				return err
			}
			fmt.Printf("✓ Job definition created: %s\n", def.ID)
			return nil
		})
	},
}

// validateJobType rejects unknown job types at create time so they never
// reach the dispatcher.
func validateJobType(jobType string) error {
	known := jobs.BuiltinTypes()
	for _, t := range known {
		if jobType == t {
			return nil
		}
	}
	return fmt.Errorf("unknown job type %q (known: %s)", jobType, strings.Join(known, ", "))
}

// buildSchedule enforces the exactly-one-of rule across the schedule flags.
func buildSchedule(interval int, cronExpr, at string) (types.Schedule, error) {
	set := 0
	if interval > 0 {
		set++
	}
	if cronExpr != "" {
		set++
	}
	if at != "" {
		set++
	}
	if set != 1 {
		return types.Schedule{}, fmt.Errorf("set exactly one of --interval, --cron, or --at")
	}

	switch {
	case interval > 0:
		return types.Schedule{Kind: types.ScheduleInterval, IntervalSeconds: interval}, nil
	case cronExpr != "":
		if err := scheduler.ValidateCron(cronExpr); err != nil {
			return types.Schedule{}, err
		}
		return types.Schedule{Kind: types.ScheduleCron, CronExpr: cronExpr}, nil
	default:
		runAt, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return types.Schedule{}, fmt.Errorf("--at must be RFC3339, e.g. 2026-09-01T02:00:00Z: %w", err)
		}
		return types.Schedule{Kind: types.ScheduleOneTime, RunAt: runAt}, nil
	}
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(cfg config.Config, store storage.Store) error {
			defs, err := store.ListJobDefinitions()
			if err != nil {
				return err
			}
			fmt.Printf("%-36s  %-24s  %-14s  %-9s  %s\n", "ID", "NAME", "TYPE", "ENABLED", "LAST FIRED")
			for _, def := range defs {
				lastFired := "never"
				if !def.LastFiredAt.IsZero() {
					lastFired = def.LastFiredAt.UTC().Format(time.RFC3339)
				}
				fmt.Printf("%-36s  %-24s  %-14s  %-9t  %s\n", def.ID, def.Name, def.Type, def.Enabled, lastFired)
			}
			return nil
		})
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run <definition-id>",
	Short: "Execute a job definition now and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		c, err := buildCore(cfg)
		if err != nil {
			return err
		}
		defer c.shutdown()

		def, err := c.store.GetJobDefinition(args[0])
		if err != nil {
			return err
		}

		run, err := c.dispatcher.Submit(context.Background(), def)
		if err != nil {
			return err
		}
		fmt.Printf("Job run %s started...\n", run.ID)
		c.dispatcher.Wait()

		return printRunOutcome(c.store, run.ID)
	},
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Re-run only the devices that failed in a finished run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		c, err := buildCore(cfg)
		if err != nil {
			return err
		}
		defer c.shutdown()

		run, err := c.dispatcher.SubmitRetry(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Retry run %s started for %d devices...\n", run.ID, len(run.DeviceFilter))
		c.dispatcher.Wait()

		return printRunOutcome(c.store, run.ID)
	},
}

func printRunOutcome(store storage.Store, runID string) error {
	run, err := store.GetJobRun(runID)
	if err != nil {
		return err
	}
	fmt.Printf("\nRun %s: %s (%d succeeded, %d failed of %d)\n",
		run.ID, run.Status, run.SucceededDevices, run.FailedDevices, run.TotalDevices)

	results, err := store.ListDeviceResults(runID)
	if err != nil {
		return err
	}
	for _, res := range results {
		line := fmt.Sprintf("  %-36s  %s", res.DeviceID, res.Status)
		if res.Error != "" {
			line += "  (" + res.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Mark an orphaned run as cancelled",
	Long: `Mark an unfinished run as cancelled. This writes directly to the
store, so it only applies to runs whose executor is no longer alive
(for example after a crash). The store's exclusive file lock keeps this
command from touching a run a live 'serve' process is still executing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(cfg config.Config, store storage.Store) error {
			runID := args[0]
			status, err := cancelOrphanedRun(store, runID)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Run cancelled: %s (%s)\n", runID, status)
			return nil
		})
	},
}

// cancelOrphanedRun fails every unfinished device result of a run and
// derives the run's final status from what completed before the cancel.
func cancelOrphanedRun(store storage.Store, runID string) (types.JobRunStatus, error) {
	run, err := store.GetJobRun(runID)
	if err != nil {
		return "", err
	}
	if run.Status.Terminal() {
		return "", fmt.Errorf("job run %s already finished (%s): %w", runID, run.Status, storage.ErrTerminal)
	}

	results, err := store.ListDeviceResults(runID)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	var succeeded, failed int
	for _, res := range results {
		if !res.Status.Terminal() {
			res.Status = types.DeviceResultFailed
			res.CompletedAt = now
			res.Error = types.FailCancelled
			if err := store.UpsertDeviceResult(res); err != nil {
				return "", err
			}
		}
		if res.Status == types.DeviceResultCompleted {
			succeeded++
		} else {
			failed++
		}
	}

	status := types.JobRunCompletedFailure
	if succeeded > 0 {
		status = types.JobRunCompletedPartialFailure
		if failed == 0 {
			status = types.JobRunCompletedSuccess
		}
	}

	run.TotalDevices = len(results)
	run.SucceededDevices = succeeded
	run.FailedDevices = failed
	if err := store.UpdateJobRun(run); err != nil {
		return "", err
	}
	// The terminal status write comes last so readers never see a
	// finished run with stale counters.
	if err := store.SetJobRunStatus(runID, status, now); err != nil {
		return "", err
	}
	return status, nil
}

var jobRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List job runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		defID, _ := cmd.Flags().GetString("definition")
		return withStore(func(cfg config.Config, store storage.Store) error {
			runs, err := store.ListJobRuns()
			if err != nil {
				return err
			}
			fmt.Printf("%-36s  %-28s  %6s  %6s  %s\n", "ID", "STATUS", "OK", "FAILED", "COMPLETED")
			for _, run := range runs {
				if defID != "" && run.JobDefinitionID != defID {
					continue
				}
				completed := "-"
				if !run.CompletedAt.IsZero() {
					completed = run.CompletedAt.UTC().Format(time.RFC3339)
				}
				fmt.Printf("%-36s  %-28s  %6d  %6d  %s\n",
					run.ID, run.Status, run.SucceededDevices, run.FailedDevices, completed)
			}
			return nil
		})
	},
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Print the durable log of a job run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(cfg config.Config, store storage.Store) error {
			entries, err := store.ListJobLogs(args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				device := e.DeviceID
				if device == "" {
					device = "-"
				}
				fmt.Printf("%s  %-8s  %-10s  %-36s  %s\n",
					e.Timestamp.UTC().Format(time.RFC3339), e.Level, e.Category, device, e.Message)
			}
			return nil
		})
	},
}

func init() {
	jobCreateCmd.Flags().String("name", "", "definition name")
	jobCreateCmd.Flags().String("type", "backup", "job type")
	jobCreateCmd.Flags().String("device", "", "target device id")
	jobCreateCmd.Flags().String("tags", "", "comma-separated target tag ids")
	jobCreateCmd.Flags().Int("interval", 0, "fire every N seconds (min 60)")
	jobCreateCmd.Flags().String("cron", "", "5-field cron expression, evaluated in UTC")
	jobCreateCmd.Flags().String("at", "", "fire once at an RFC3339 time")
	jobCreateCmd.Flags().Bool("disabled", false, "create the definition disabled")
	jobCreateCmd.MarkFlagRequired("name")

	jobRunsCmd.Flags().String("definition", "", "only runs of this definition")

	jobCmd.AddCommand(jobCreateCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobRunCmd)
	jobCmd.AddCommand(jobRetryCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobRunsCmd)
	jobCmd.AddCommand(jobLogsCmd)
}
