package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	runlogclient "goa.design/taskrun/features/runlog/mongo/clients/mongo"
	"goa.design/taskrun/runtime/task/runlog"
)

var logCmd = &cobra.Command{
	Use:   "log <session-key>",
	Short: "Print the audit trail of a session",
	Long: "Print the audit events of every run of a session, parents and children\n" +
		"interleaved in append order, as JSON lines. --run restricts the output to\n" +
		"one run.",
	Args: cobra.ExactArgs(1),
	RunE: runLog,
}

func init() {
	logCmd.Flags().String("run", "", "only print the events of this run")
	logCmd.Flags().Int("page-size", 100, "events fetched per request")
}

func runLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID, _ := cmd.Flags().GetString("run")
	pageSize, _ := cmd.Flags().GetInt("page-size")

	mc, err := connectMongo(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = mc.Disconnect(context.Background()) }()
	store, err := runlogclient.New(runlogclient.Options{Client: mc, Database: settings.GetString("mongo-db")})
	if err != nil {
		return err
	}
	return printLog(ctx, cmd.OutOrStdout(), store, args[0], runID, pageSize)
}

// printLog pages through the session (or run) events and writes one JSON
// document per line.
func printLog(ctx context.Context, w io.Writer, store runlog.Store, sessionKey, runID string, pageSize int) error {
	enc := json.NewEncoder(w)
	cursor := ""
	for {
		var (
			page runlog.Page
			err  error
		)
		if runID != "" {
			page, err = store.List(ctx, runID, cursor, pageSize)
		} else {
			page, err = store.ListSession(ctx, sessionKey, cursor, pageSize)
		}
		if err != nil {
			return err
		}
		for _, e := range page.Events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}
