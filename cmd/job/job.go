package job

import (
	"errors"

	"github.com/caesium-cloud/lumen/cmd/remote"
	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Cmd is the parent command for job operations.
var Cmd = &cobra.Command{
	Use:   "job",
	Short: "Start, stop and inspect job executions",
}

var (
	startConfig string
	startLabel  string
	stopForce   bool
	historyLim  int
	historyOff  int
	rerunLive   bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a job from the live settings or a settings file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var settings *config.Settings
		if startConfig != "" {
			s, err := config.Load(startConfig)
			if err != nil {
				return err
			}
			settings = s
		}

		c, err := remote.Client()
		if err != nil {
			return err
		}
		exec, err := c.Jobs().Start(cmd.Context(), settings, startLabel)
		if err != nil {
			return err
		}
		return remote.Print(cmd, exec)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [execution-id]",
	Short: "Stop the running job",
	Long:  "Stop the running job. With --force and an execution id only that execution is stopped.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		if len(ids) > 0 && !stopForce {
			return errors.New("an execution id requires --force")
		}
		c, err := remote.Client()
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			exec, err := c.Jobs().ForceStopExecution(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			return remote.Print(cmd, exec)
		}
		exec, err := c.Jobs().Stop(cmd.Context(), stopForce)
		if err != nil {
			return err
		}
		return remote.Print(cmd, exec)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running job and the queue depth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote.Client()
		if err != nil {
			return err
		}
		status, err := c.Jobs().Status(cmd.Context())
		if err != nil {
			return err
		}
		return remote.Print(cmd, status)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past executions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote.Client()
		if err != nil {
			return err
		}
		history, err := c.Jobs().History(cmd.Context(), historyLim, historyOff)
		if err != nil {
			return err
		}
		for _, exec := range history.Executions {
			if err := remote.Printf(cmd, "%s\t%-14s\t%s\t%s\n",
				exec.ID, exec.Status, exec.StartedAt.Format("2006-01-02 15:04:05"), exec.Label); err != nil {
				return err
			}
		}
		return remote.Printf(cmd, "%d of %d\n", len(history.Executions), history.Total)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <execution-id>",
	Short: "Show one execution with its image counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		c, err := remote.Client()
		if err != nil {
			return err
		}
		view, err := c.Jobs().Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		return remote.Print(cmd, view)
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun <execution-id>...",
	Short: "Queue reruns of one or more executions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		c, err := remote.Client()
		if err != nil {
			return err
		}
		items, err := c.Jobs().Rerun(cmd.Context(), ids, rerunLive)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := remote.Printf(cmd, "%s\t%s\tposition=%d\t%s\n", item.ID, item.State, item.Position, item.Label); err != nil {
				return err
			}
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <execution-id>",
	Short: "Delete a finished execution with its images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		c, err := remote.Client()
		if err != nil {
			return err
		}
		if err := c.Jobs().Delete(cmd.Context(), id); err != nil {
			return err
		}
		return remote.Printf(cmd, "deleted %s\n", id)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List work waiting for the job slot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote.Client()
		if err != nil {
			return err
		}
		items, err := c.Jobs().Queue(cmd.Context())
		if err != nil {
			return err
		}
		return remote.Print(cmd, items)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <item-id>",
	Short: "Remove a waiting item from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		c, err := remote.Client()
		if err != nil {
			return err
		}
		item, err := c.Jobs().Cancel(cmd.Context(), id)
		if err != nil {
			return err
		}
		return remote.Print(cmd, item)
	},
}

func parseIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, arg := range args {
		id, err := uuid.Parse(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func init() {
	remote.AddServerFlag(Cmd)

	startCmd.Flags().StringVarP(&startConfig, "config", "c", "", "settings file to start from instead of the live settings")
	startCmd.Flags().StringVarP(&startLabel, "label", "l", "", "execution label")
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "cancel in-flight work instead of letting it finish")
	historyCmd.Flags().IntVar(&historyLim, "limit", 20, "maximum executions to list")
	historyCmd.Flags().IntVar(&historyOff, "offset", 0, "executions to skip")
	rerunCmd.Flags().BoolVar(&rerunLive, "live", false, "use the live settings instead of each execution's snapshot")

	Cmd.AddCommand(startCmd, stopCmd, statusCmd, historyCmd, getCmd, rerunCmd, deleteCmd, queueCmd, cancelCmd)
}
