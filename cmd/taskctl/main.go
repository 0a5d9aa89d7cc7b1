// Command taskctl is the operator client of a taskrun deployment. It publishes
// job triggers, follows the event stream of a session, reads and cancels
// jobs and prints the audit trail of a session.
//
// Connection settings come from flags or from the REDIS_URL, REDIS_PASSWORD,
// MONGO_URI and MONGO_DATABASE environment variables used by cmd/taskrun.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	pulseclient "goa.design/taskrun/features/stream/pulse/clients/pulse"
)

var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:          "taskctl",
	Short:        "Operate a taskrun deployment",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("redis", "localhost:6379", "Redis address")
	flags.String("redis-password", "", "Redis password")
	flags.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	flags.String("mongo-db", "taskrun", "MongoDB database")

	bind := map[string]string{
		"redis":          "REDIS_URL",
		"redis-password": "REDIS_PASSWORD",
		"mongo-uri":      "MONGO_URI",
		"mongo-db":       "MONGO_DATABASE",
	}
	for flag, env := range bind {
		_ = settings.BindPFlag(flag, flags.Lookup(flag))
		_ = settings.BindEnv(flag, env)
	}

	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(cancelCmd)
}

func connectRedis(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     settings.GetString("redis"),
		Password: settings.GetString("redis-password"),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

func connectPulse(ctx context.Context) (pulseclient.Client, func(), error) {
	rdb, err := connectRedis(ctx)
	if err != nil {
		return nil, nil, err
	}
	pc, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return pc, func() {
		_ = pc.Close(context.Background())
		_ = rdb.Close()
	}, nil
}

func connectMongo(ctx context.Context) (*mongodriver.Client, error) {
	mc, err := mongodriver.Connect(ctx, options.Client().ApplyURI(settings.GetString("mongo-uri")))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	return mc, nil
}
