package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/coachpay/pkg/statuspoll"
	"github.com/spf13/cobra"
)

const stillProcessingMessage = "Payment is still processing. Check your dashboard in a few minutes."

func waitCmd(opts *globalOptions) *cobra.Command {
	var (
		interval    time.Duration
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "wait [token]",
		Short: "Poll a checkout until it completes or the attempts run out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := statuspoll.NewClient(opts.apiURL, nil)
			poller := &statuspoll.Poller{Interval: interval, MaxAttempts: maxAttempts}

			res, err := poller.Poll(cmd.Context(), client.Fetcher(args[0]))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case res.Completed:
				fmt.Fprintln(out, statuspoll.SuccessURL(opts.appURL, res.Last.BadgeType))
			case res.Failed:
				fmt.Fprintf(out, "Payment was declined (error code %q).\n", res.Last.ErrorCode)
			default:
				if errors.Is(res.LastErr, statuspoll.ErrNotFound) {
					fmt.Fprintln(out, "Transaction not found yet.")
				}
				fmt.Fprintln(out, stillProcessingMessage)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", statuspoll.DefaultInterval, "Delay between status checks")
	cmd.Flags().IntVar(&maxAttempts, "attempts", statuspoll.DefaultMaxAttempts, "Maximum number of status checks")

	return cmd
}
