package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	jobsclient "goa.design/taskrun/features/jobs/mongo/clients/mongo"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	job, err := client.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(job.View())
}
