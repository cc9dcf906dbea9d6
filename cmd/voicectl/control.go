package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 90 * time.Second}

// controlCommand maps a subcommand onto one control API call.
type controlCommand struct {
	use, short string
	method     string
	suffix     string
}

var controlCommands = []controlCommand{
	{"open", "Open the session if needed and begin listening", http.MethodPost, ""},
	{"status", "Show the session snapshot", http.MethodGet, ""},
	{"record", "Start recording", http.MethodPost, "/recording"},
	{"stop", "Stop recording and process the turn", http.MethodDelete, "/recording"},
	{"interrupt", "Interrupt the current phase", http.MethodPost, "/interrupt"},
	{"cancel", "End the interaction and return to idle", http.MethodPost, "/cancel"},
	{"close", "Close the session", http.MethodDelete, ""},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations with an open session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(cmd, http.MethodGet, serverURL+"/v1/conversations")
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	for _, cc := range controlCommands {
		rootCmd.AddCommand(&cobra.Command{
			Use:   cc.use,
			Short: cc.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				base, err := voiceURL()
				if err != nil {
					return err
				}
				return doRequest(cmd, cc.method, base+cc.suffix)
			},
		})
	}
}

func voiceURL() (string, error) {
	if conversationID == "" {
		return "", errors.New("--conversation is required")
	}
	return fmt.Sprintf("%s/v1/conversations/%s/voice", serverURL, url.PathEscape(conversationID)), nil
}

func doRequest(cmd *cobra.Command, method, target string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), method, target, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if sonic.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		if resp.StatusCode == http.StatusNoContent || len(body) == 0 {
			return errors.New(resp.Status)
		}
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	if len(body) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), resp.Status)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(body)))
	return nil
}
