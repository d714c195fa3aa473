package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(opts *globalOptions) (*adminClient, error) {
	if strings.TrimSpace(opts.token) == "" {
		return nil, errors.New("service-role key required: pass --token or set SUPABASE_SERVICE_ROLE_KEY")
	}
	return &adminClient{
		baseURL: strings.TrimRight(opts.apiURL, "/"),
		token:   strings.TrimSpace(opts.token),
		http:    &http.Client{Timeout: time.Minute},
	}, nil
}

func (c *adminClient) post(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %d %s", http.MethodPost, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func renewCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "renew [userId]",
		Short: "Extend a user's badge subscription by one year",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(opts)
			if err != nil {
				return err
			}

			var resp struct {
				Data struct {
					UserID    string `json:"userId"`
					BadgeType string `json:"badgeType"`
					Status    string `json:"status"`
					EndDate   string `json:"endDate"`
				} `json:"data"`
			}
			path := "/admin/subscriptions/" + url.PathEscape(args[0]) + "/renew"
			if err := client.post(cmd.Context(), path, &resp); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s badge %s until %s\n",
				resp.Data.UserID, resp.Data.BadgeType, resp.Data.Status, resp.Data.EndDate)
			return nil
		},
	}
}

func outboxCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drive the notification outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Deliver every due notification now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(opts)
			if err != nil {
				return err
			}

			var resp struct {
				Data struct {
					Claimed int `json:"claimed"`
					Sent    int `json:"sent"`
					Retried int `json:"retried"`
					Dead    int `json:"dead"`
				} `json:"data"`
			}
			if err := client.post(cmd.Context(), "/admin/outbox/drain", &resp); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d sent=%d retried=%d dead=%d\n",
				resp.Data.Claimed, resp.Data.Sent, resp.Data.Retried, resp.Data.Dead)
			return nil
		},
	})

	return cmd
}
