// Command voicectl drives voice sessions on a running controller daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL      string
	conversationID string
)

var rootCmd = &cobra.Command{
	Use:   "voicectl",
	Short: "Control and observe voice sessions",
	Long: `voicectl talks to the voice session controller's HTTP API.

Each conversation has at most one voice session. Commands act on the
conversation given with --conversation.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "controller base URL")
	rootCmd.PersistentFlags().StringVarP(&conversationID, "conversation", "c", "", "conversation ID")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
