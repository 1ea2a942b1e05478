package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		flagGateway string
		flagNetwork string
		flagHistory bool
		flagTimeout time.Duration
	)
	c := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Query a gateway for the notarization status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/subnet/notary/" + url.PathEscape(args[0])
			if flagHistory {
				path += "/history"
			}
			u := strings.TrimRight(flagGateway, "/") + path
			if flagNetwork != "" {
				u += "?network=" + url.QueryEscape(flagNetwork)
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, cancel := context.WithTimeout(parent, flagTimeout)
			defer cancel()
			body, err := getJSON(ctx, u)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, body, "", "  "); err != nil {
				return fmt.Errorf("gateway returned invalid JSON: %w", err)
			}
			pretty.WriteByte('\n')
			_, err = cmd.OutOrStdout().Write(pretty.Bytes())
			return err
		},
	}
	c.Flags().StringVar(&flagGateway, "gateway", "http://localhost:8080", "gateway base URL")
	c.Flags().StringVar(&flagNetwork, "network", "", "restrict to one network")
	c.Flags().BoolVar(&flagHistory, "history", false, "list every attempt instead of the latest")
	c.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "request timeout")
	return c
}

func getJSON(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("gateway returned %d (%s): %s", resp.StatusCode, e.Kind, e.Error)
		}
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return body, nil
}
