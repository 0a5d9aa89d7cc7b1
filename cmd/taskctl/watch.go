package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	streampulse "goa.design/taskrun/features/stream/pulse"
	"goa.design/taskrun/runtime/task/stream"
	"goa.design/taskrun/runtime/task/telemetry"
)

var watchCmd = &cobra.Command{
	Use:   "watch <session-key>",
	Short: "Follow the event stream of a session",
	Long: `Print the external events of a session, one JSON document per line,
until interrupted. --kind restricts the output to the given event kinds.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSlice("kind", nil, "event kinds to print (e.g. session_complete,session_failed)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pc, closeFn, err := connectPulse(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	names, err := cmd.Flags().GetStringSlice("kind")
	if err != nil {
		return err
	}
	kinds := make([]stream.Kind, len(names))
	for i, n := range names {
		kinds[i] = stream.Kind(n)
	}
	sub, err := streampulse.NewSubscriber(streampulse.SubscriberOptions{
		Client:   pc,
		SinkName: "taskctl_watch",
		Kinds:    kinds,
		Logger:   telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	s, err := sub.Subscribe(ctx, args[0])
	if err != nil {
		return err
	}
	defer s.Close()
	events, errs := s.Events(), s.Err()

	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(evt); err != nil {
				return err
			}
		}
	}
}
