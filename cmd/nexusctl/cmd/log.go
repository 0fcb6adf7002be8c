package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/nexus/internal/event"
)

var (
	logType  string
	logLimit int
)

// logCmd represents the log command
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Read the persisted event log",
	Long: `Read recent events through GET /events/log, newest first. The raw query
string is signed with the shared secret.

Examples:
  nexusctl log
  nexusctl log --type MINT_CONFIRMED --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := eventLogQuery(logType, logLimit)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		path := "/events/log"
		if query != "" {
			path += "?" + query
		}
		resp, err := makeHTTPRequest(ctx, http.MethodGet, path, nil, signatureHeaders([]byte(query)))
		if err != nil {
			return fmt.Errorf("failed to read event log: %w", err)
		}
		out, err := decodeResponse(resp)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}

		events, _ := out["events"].([]any)
		fmt.Printf("%d event(s) (limit %v)\n", len(events), out["limit"])
		for _, e := range events {
			rec, ok := e.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("  %v  %-28v  %v\n", rec["timestamp"], rec["event"], rec["source"])
		}
		return nil
	},
}

// eventLogQuery builds the canonical query string. The encoding here is the
// exact byte sequence that gets signed.
func eventLogQuery(typ string, limit int) (string, error) {
	q := url.Values{}
	if typ != "" {
		t, ok := event.Parse(typ)
		if !ok {
			return "", fmt.Errorf("unknown event type %q", typ)
		}
		q.Set("type", t.String())
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q.Encode(), nil
}

func init() {
	rootCmd.AddCommand(logCmd)

	logCmd.Flags().StringVarP(&logType, "type", "t", "", "only events of this type")
	logCmd.Flags().IntVarP(&logLimit, "limit", "l", 0, "maximum number of events (server default 100, max 1000)")
}
