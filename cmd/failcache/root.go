package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/efritz/failcache"
)

var (
	client     *failcache.Client
	metricsSet = metrics.NewSet()

	// rootCmd is the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "failcache",
		Short: "cache client with failover across a list of servers",
		Long: `failcache talks to a list of cache servers, using the first one that
answers and returning to the primary once it recovers.

The connection string is read from --connection, FAILCACHE_CONNECTION
or a .env file, e.g. "server=10.0.0.1:6379,10.0.0.2;password=secret;db=1".`,
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: teardownClient,
		SilenceUsage:       true,
		SilenceErrors:      true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("connection", "localhost:6379", "connection string of the cache servers")
	flags.Duration("timeout", 5*time.Second, "timeout of each command")
	flags.Int("retry", 3, "retries of a command after a malformed reply")
	flags.Duration("failover-window", 300*time.Second, "time spent on a secondary server before trying the primary again")
	flags.Bool("verbose", false, "log connection and failover events")
	flags.Bool("metrics", false, "print command metrics on exit")

	rootCmd.AddCommand(pingCmd, getCmd, setCmd, addCmd, incrCmd, delCmd, ttlCmd, expireCmd, lockCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("failcache")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupClient(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	var logger failcache.Logger = failcache.NilLogger
	if viper.GetBool("verbose") {
		logger = log.New(os.Stderr, "failcache: ", log.LstdFlags)
	}

	c, err := failcache.NewClient(
		viper.GetString("connection"),
		failcache.WithLogger(logger),
		failcache.WithRetry(viper.GetInt("retry")),
		failcache.WithFailoverWindow(viper.GetDuration("failover-window")),
		failcache.WithCounter(failcache.NewMetricsCounter(metricsSet, "failcache")),
	)
	if err != nil {
		return err
	}

	client = c
	return nil
}

func teardownClient(cmd *cobra.Command, _ []string) error {
	if client != nil {
		client.Close()
	}

	if viper.GetBool("metrics") {
		metricsSet.WritePrometheus(cmd.OutOrStdout())
	}

	return nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
