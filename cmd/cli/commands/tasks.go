package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aquasense/inference-runner/pkg/tasks"
)

func newSubmitCmd(c *client) *cobra.Command {
	var version string
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit IMAGE...",
		Short: "Submit an asynchronous prediction task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			images := make([][]byte, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("unable to read image %s: %w", path, err)
				}
				images = append(images, data)
			}

			var resp tasks.SubmitResponse
			err := c.post("/v1/tasks", tasks.Payload{Images: images, Version: version}, &resp)
			if err != nil {
				return err
			}
			cmd.Println(resp.TaskID)

			if !wait {
				return nil
			}
			return pollTask(cmd, c, resp.TaskID)
		},
	}
	cmd.Flags().StringVar(&version, "model", "", "model version (default: server default)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the task reaches a terminal state")
	return cmd
}

func newTaskCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "task ID",
		Short: "Show the status of a submitted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status tasks.Status
			if err := c.get("/v1/tasks/"+args[0], &status); err != nil {
				return err
			}
			printTask(cmd, &status)
			return nil
		},
	}
}

// pollTask polls a task until it reaches a terminal state.
func pollTask(cmd *cobra.Command, c *client, id string) error {
	for {
		var status tasks.Status
		if err := c.get("/v1/tasks/"+id, &status); err != nil {
			return err
		}
		if status.State.Terminal() {
			printTask(cmd, &status)
			if status.State == tasks.StateFailure {
				return fmt.Errorf("task %s failed", id)
			}
			return nil
		}
		time.Sleep(time.Second)
	}
}

func printTask(cmd *cobra.Command, status *tasks.Status) {
	cmd.Printf("State: %s", status.State)
	if status.Progress != nil {
		cmd.Printf(" (%d/%d)", status.Progress.Completed, status.Progress.Total)
	}
	cmd.Println()
	if status.Failure != nil {
		cmd.Printf("Failure: %s: %s\n", status.Failure.Kind, status.Failure.Message)
	}
	for _, result := range status.Results {
		cmd.Printf("  %s (%.1f%% confidence, model %s)\n",
			result.Label, result.Confidence*100, result.ModelVersion)
	}
}
