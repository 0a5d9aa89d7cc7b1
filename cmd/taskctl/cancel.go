package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	jobsmongo "goa.design/taskrun/features/jobs/mongo"
	jobsclient "goa.design/taskrun/features/jobs/mongo/clients/mongo"
	"goa.design/taskrun/runtime/task/jobs"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or active job",
	Long: `Cancel marks a queued job cancelled so it is never dispatched, or flags an
active job so the worker running it stops after its in-flight capability call.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mc, err := connectMongo(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = mc.Disconnect(context.Background()) }()

	client, err := jobsclient.New(jobsclient.Options{Client: mc, Database: settings.GetString("mongo-db")})
	if err != nil {
		return err
	}
	store, err := jobsmongo.NewStore(client)
	if err != nil {
		return err
	}
	return cancelJob(ctx, cmd.OutOrStdout(), store, args[0])
}

// cancelJob records the cancel in store and prints the resulting job view.
func cancelJob(ctx context.Context, w io.Writer, store jobs.Store, id string) error {
	job, err := store.Cancel(ctx, id, time.Now().UTC())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(job.View())
}
