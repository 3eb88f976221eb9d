package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-bridge/pkg/core/eventlog"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

func newConversationsCmd(deps bridgeDeps) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List stored conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openConfiguredStore(cmd.Context(), deps)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListConversations(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No conversations found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVOICE\tUPDATED")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					c.ID,
					c.Name,
					c.Voice,
					c.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of conversations to list")
	return cmd
}

func newMigrateCmd(deps bridgeDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply event store migrations and print the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openConfiguredStore(cmd.Context(), deps)
			if err != nil {
				return err
			}
			defer store.Close()

			version, err := eventlog.MigrationVersion(cmd.Context(), store.DB(), cfg.DBDriver)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", cfg.DBDriver, version)
			return nil
		},
	}
}

// openConfiguredStore opens (and migrates) the store named by the environment.
func openConfiguredStore(ctx context.Context, deps bridgeDeps) (*eventlog.SQLStore, config.Config, error) {
	if deps.loadConfig == nil || deps.openStore == nil {
		return nil, config.Config{}, fmt.Errorf("missing store dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("load config: %w", err)
	}
	store, err := deps.openStore(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("open event store: %w", err)
	}
	return store, cfg, nil
}

func newForceStopCmd(deps bridgeDeps) *cobra.Command {
	var (
		server string
		apiKey string
	)
	cmd := &cobra.Command{
		Use:   "force-stop <conversation-id>",
		Short: "Tear down a live bridge on a running server without waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = serverURLFromEnv()
			}
			if apiKey == "" {
				apiKey = firstAPIKeyFromEnv()
			}
			client := deps.httpClient
			if client == nil {
				client = http.DefaultClient
			}
			return forceStop(cmd.Context(), client, server, apiKey, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "bridge server base URL (default derived from VAI_BRIDGE_ADDR)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (default first of VAI_BRIDGE_API_KEYS)")
	return cmd
}

func forceStop(ctx context.Context, client *http.Client, server, apiKey, id string, out io.Writer) error {
	endpoint := strings.TrimRight(server, "/") + "/v1/bridges/" + url.PathEscape(id) + "/force-stop"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("force-stop %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			return fmt.Errorf("force-stop %s: %s (HTTP %d)", id, envelope.Error.Message, resp.StatusCode)
		}
		return fmt.Errorf("force-stop %s: HTTP %d", id, resp.StatusCode)
	}
	fmt.Fprintf(out, "bridge %s stopped\n", id)
	return nil
}

func serverURLFromEnv() string {
	addr := os.Getenv("VAI_BRIDGE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func firstAPIKeyFromEnv() string {
	for _, key := range strings.Split(os.Getenv("VAI_BRIDGE_API_KEYS"), ",") {
		if key = strings.TrimSpace(key); key != "" {
			return key
		}
	}
	return ""
}
