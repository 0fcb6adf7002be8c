package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var deadLetterLimit int

// retryCmd represents the retry command
var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Inspect the retry queue",
	Long: `Inspect the durable retry queue and its dead letters. When the bus is
configured with an admin key, pass a JWT with --token or JWT_TOKEN.`,
}

var retryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pending retries and dead letter count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := makeHTTPRequest(ctx, http.MethodGet, "/api/retry/stats", nil, nil)
		if err != nil {
			return fmt.Errorf("failed to get retry stats: %w", err)
		}
		out, err := decodeResponse(resp)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}

		stats, _ := out["stats"].(map[string]any)
		fmt.Println("Retry queue:")
		fmt.Printf("  Pending: %v\n", stats["pending"])
		fmt.Printf("  Dead letters: %v\n", stats["deadLetters"])
		if oldest, ok := stats["oldestRetry"].(string); ok {
			fmt.Printf("  Oldest retry: %s\n", oldest)
		} else {
			fmt.Println("  Oldest retry: none")
		}
		return nil
	},
}

var retryDeadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Aliases: []string{"dlq"},
	Short:   "List dead-lettered tasks",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		path := "/api/retry/dead-letters"
		if deadLetterLimit > 0 {
			path = fmt.Sprintf("%s?limit=%d", path, deadLetterLimit)
		}
		resp, err := makeHTTPRequest(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		out, err := decodeResponse(resp)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}

		items, _ := out["deadLetters"].([]any)
		fmt.Printf("%d dead letter(s)\n", len(items))
		for _, it := range items {
			dl, ok := it.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("  %v  %-12v attempts=%v  %v\n", dl["failedAt"], dl["type"], dl["attempts"], dl["taskId"])
			fmt.Printf("      %v\n", dl["finalError"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
	retryCmd.AddCommand(retryStatsCmd)
	retryCmd.AddCommand(retryDeadLettersCmd)

	retryDeadLettersCmd.Flags().IntVarP(&deadLetterLimit, "limit", "l", 0, "maximum number of dead letters (server default 50, max 1000)")
}
