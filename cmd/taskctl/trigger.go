package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	streampulse "goa.design/taskrun/features/stream/pulse"
	"goa.design/taskrun/runtime/task/worker"
)

var (
	triggerStep        string
	triggerInstruction string
	triggerRestart     bool
	triggerStream      string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <session-key>",
	Short: "Publish a job trigger",
	Long: `Publish a job trigger on the trigger stream consumed by taskrun.

The dispatcher enqueues one job per trigger. Publishing the same trigger
while an identical job is still open does not create a second job.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerStep, "step", "", "workflow step")
	triggerCmd.Flags().StringVar(&triggerInstruction, "instruction", "", "instruction for the step")
	triggerCmd.Flags().BoolVar(&triggerRestart, "restart", false, "clear the session conversation first")
	triggerCmd.Flags().StringVar(&triggerStream, "stream", streampulse.TriggerStream, "trigger stream")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pc, closeFn, err := connectPulse(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	input, err := json.Marshal(worker.Input{Instruction: triggerInstruction, Restart: triggerRestart})
	if err != nil {
		return err
	}
	id, err := streampulse.PublishTrigger(ctx, pc, triggerStream, streampulse.Trigger{
		SessionKey: args[0],
		Step:       triggerStep,
		Input:      input,
	})
	if err != nil {
		return fmt.Errorf("publish trigger: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
