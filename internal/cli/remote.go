package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/agentfleet/internal/server"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

const rpcTimeout = 10 * time.Second

// withClient dials the control plane for one command.
func withClient(cmd *cobra.Command, opts *options, fn func(ctx context.Context, c *server.Client) error) error {
	c, err := server.Dial(opts.addr)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, c)
}

func buildSubmitCommand(opts *options) *cobra.Command {
	var msg types.Message

	cmd := &cobra.Command{
		Use:   "submit <content>",
		Short: "Send a user message to the fleet",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg.Content = strings.Join(args, " ")
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				id, err := c.SubmitMessage(ctx, msg)
				if err != nil {
					return fmt.Errorf("submit: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "submitted message %s to project %s\n", id, msg.ProjectID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&msg.ProjectID, "project", "p", "", "project id (required)")
	cmd.Flags().StringVarP(&msg.UserID, "user", "u", "cli", "user id")
	cmd.Flags().StringVar(&msg.ID, "id", "", "message id, generated when empty")
	cmd.Flags().StringSliceVar(&msg.Attachments, "attach", nil, "attachment references")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show pool status, or the status of one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				if len(args) == 1 {
					st, err := c.TaskStatus(ctx, args[0])
					if err != nil {
						return fmt.Errorf("task status: %w", err)
					}
					printTask(cmd.OutOrStdout(), st)
					return nil
				}
				stats, err := c.PoolStats(ctx)
				if err != nil {
					return fmt.Errorf("pool stats: %w", err)
				}
				printPools(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func buildInterruptCommand(opts *options) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "interrupt <task-id>",
		Short: "Pause a task's workflow before its next step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				if err := c.Interrupt(ctx, args[0], reason); err != nil {
					return fmt.Errorf("interrupt: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "interrupt requested for %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded on the paused workflow")
	return cmd
}

func buildResumeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Continue a paused workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				res, err := c.Resume(ctx, args[0])
				if err != nil {
					return fmt.Errorf("resume: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s at %s\n", res.TaskID, res.Status, res.Node)
				return nil
			})
		},
	}
}

func printPools(w io.Writer, stats types.PoolStats) {
	fmt.Fprintf(w, "pools: %d  workers: %d  capacity: %d  load: %.0f%%\n",
		stats.TotalPools, stats.TotalWorkers, stats.TotalCapacity, stats.OverallLoad*100)
	pools := append([]types.PoolStat(nil), stats.Pools...)
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	for _, p := range pools {
		fmt.Fprintf(w, "  %-24s %-10s %-10s %3d/%-3d load %.0f%%\n",
			p.Name, p.Type, p.Role, p.Current, p.Max, p.Load*100)
	}
}

func printTask(w io.Writer, st server.TaskStatusResult) {
	t := st.Task
	fmt.Fprintf(w, "task:     %s\n", t.ID)
	fmt.Fprintf(w, "type:     %s\n", t.Type)
	fmt.Fprintf(w, "role:     %s\n", t.TargetRole)
	fmt.Fprintf(w, "status:   %s\n", t.Status)
	fmt.Fprintf(w, "project:  %s\n", t.ProjectID)
	if t.TargetWorkerID != "" {
		fmt.Fprintf(w, "worker:   %s\n", t.TargetWorkerID)
	}
	fmt.Fprintf(w, "attempt:  %d\n", t.Attempt)
	if wf := st.Workflow; wf != nil {
		fmt.Fprintf(w, "workflow: %s %s at %s\n", wf.Graph, wf.Status, wf.Node)
		if wf.Error != "" {
			fmt.Fprintf(w, "error:    %s\n", wf.Error)
		}
	}
}
