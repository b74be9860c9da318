// Command smgctl is the operator CLI of the secure media gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "smgctl",
		Short: "Operate the secure media gateway",
		Long: `smgctl sends cache invalidation signals to secure media gateways,
inspects version counters and checks gateway readiness.

Connection settings default to the SMG_* environment variables used by smgd.`,
		SilenceUsage: true,
	}

	natsURL       string
	redisAddr     string
	redisPassword string
	redisDB       int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", os.Getenv("SMG_NATS_URL"), "NATS server URL")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", os.Getenv("SMG_REDIS_ADDR"), "Redis address of the shared gateway cache")
	rootCmd.PersistentFlags().StringVar(&redisPassword, "redis-password", os.Getenv("SMG_REDIS_PASSWORD"), "Redis password")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "Redis database number")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
