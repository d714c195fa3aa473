package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

type globalOptions struct {
	apiURL string
	appURL string
	token  string
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "coachpayctl",
		Short:         "Operator tool for coachpay payments and subscriptions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.apiURL, "api-url", envOr("COACHPAY_API_URL", "http://localhost:8080"), "Base URL of the coachpay API")
	rootCmd.PersistentFlags().StringVar(&opts.appURL, "app-url", envOr("APP_BASE_URL", "http://localhost:3000"), "Base URL of the web app, used for dashboard links")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("SUPABASE_SERVICE_ROLE_KEY"), "Service-role key for admin routes")

	rootCmd.AddCommand(waitCmd(opts))
	rootCmd.AddCommand(renewCmd(opts))
	rootCmd.AddCommand(outboxCmd(opts))

	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
