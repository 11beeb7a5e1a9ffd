package cmd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"github.com/arcward/shardkeeper/shardkeeper"
	"github.com/spf13/cobra"
	"io"
	"net/http"
	"time"
)

var (
	statusURL      string
	statusInsecure bool
	statusTimeout  = 10 * time.Second
)

// statusCmd prints the status of a running orchestrator, fetched from its
// control API
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of a running orchestrator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()

		url := statusURL
		if url == "" {
			scheme := "http"
			if cfg.API.SSL.Cert != "" {
				scheme = "https"
			}
			url = fmt.Sprintf("%s://%s/api/status", scheme, cfg.API.Listen)
		}

		client := &http.Client{}
		if statusInsecure {
			client.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			}
		}
		body, err := fetchStatus(ctx, client, url, cfg.API.Secret)
		if err != nil {
			return err
		}

		var pretty bytes.Buffer
		if err = json.Indent(&pretty, body, "", "  "); err != nil {
			return fmt.Errorf("invalid status response: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
		return err
	},
}

func fetchStatus(ctx context.Context, client *http.Client, url string, secret string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(shardkeeper.SecretHeader, secret)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

//nolint:gochecknoinits
func init() {
	statusCmd.Flags().StringVar(
		&statusURL,
		"url",
		"",
		"Status endpoint URL (defaults to the configured api.listen address)",
	)
	statusCmd.Flags().BoolVar(
		&statusInsecure,
		"insecure",
		false,
		"Skip TLS certificate verification",
	)
	rootCmd.AddCommand(statusCmd)
}
