package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/signer"
)

var (
	emitPayload string
	emitFile    string
)

// emitCmd represents the emit command
var emitCmd = &cobra.Command{
	Use:   "emit [event-type]",
	Short: "Emit a signed event to the bus",
	Long: `Emit an event through POST /events. The body is signed with the shared
secret and sent in the X-Nexus-Signature header.

The event type may be the full wire value or the short name.

Examples:
  nexusctl emit FLOWPAY:PAYMENT_RECEIVED --payload '{"orderId":"ORDER-1","amount":"10.00","currency":"BRL","customerWallet":"0xabc"}'
  nexusctl emit MINT_CONFIRMED --file mint.json
  cat payload.json | nexusctl emit PROPOSAL_CREATED --file -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, ok := event.Parse(args[0])
		if !ok {
			return fmt.Errorf("unknown event type %q", args[0])
		}

		raw, err := readInput(emitPayload, emitFile)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		if len(raw) == 0 {
			raw = []byte("{}")
		}

		body, err := buildEventBody(t, raw)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := makeHTTPRequest(ctx, http.MethodPost, "/events", body, signatureHeaders(body))
		if err != nil {
			return fmt.Errorf("failed to emit event: %w", err)
		}
		out, err := decodeResponse(resp)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		fmt.Printf("✓ Dispatched %s\n", t)
		fmt.Printf("  Event ID: %v\n", out["eventId"])
		fmt.Printf("  Timestamp: %v\n", out["timestamp"])
		return nil
	},
}

// buildEventBody wraps a JSON object payload into an ingress request body.
func buildEventBody(t event.Type, payload []byte) ([]byte, error) {
	p, err := parseJSON(string(payload))
	if err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return json.Marshal(map[string]any{"type": t.String(), "payload": p})
}

// signatureHeaders signs signed with the configured secret. Without a secret
// the request goes out unsigned, which only a dev-mode bus accepts.
func signatureHeaders(signed []byte) map[string]string {
	if secret == "" {
		return nil
	}
	return map[string]string{signer.Header: signer.Sign([]byte(secret), signed)}
}

func init() {
	rootCmd.AddCommand(emitCmd)

	emitCmd.Flags().StringVarP(&emitPayload, "payload", "p", "", "payload as a JSON object")
	emitCmd.Flags().StringVarP(&emitFile, "file", "f", "", "read the payload from a file (- for stdin)")
}
