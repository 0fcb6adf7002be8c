package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/austindbirch/nexus/internal/event"
)

var (
	watchPath   string
	watchEvents []string
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events from the websocket gateway",
	Long: `Connect to the websocket gateway, subscribe to event types and print every
broadcast until interrupted. The shared secret is sent as the bearer
subprotocol token, or as the token query parameter when it contains
characters a subprotocol cannot carry.

Examples:
  nexusctl watch
  nexusctl watch --events MINT_CONFIRMED,MINT_FAILED`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		types, err := watchTypes(watchEvents)
		if err != nil {
			return err
		}
		target, err := websocketURL(serverURL, watchPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialURL, protocols := watchCredentials(target, secret)
		dialer := websocket.Dialer{HandshakeTimeout: timeout, Subprotocols: protocols}
		ws, resp, err := dialer.DialContext(ctx, dialURL, nil)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("failed to connect to %s: HTTP %d", target, resp.StatusCode)
			}
			return fmt.Errorf("failed to connect to %s: %w", target, err)
		}
		defer ws.Close()

		if err := ws.WriteJSON(map[string]any{"action": "subscribe", "events": types}); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		if !outputJSON {
			fmt.Fprintf(os.Stderr, "Watching %d event type(s) on %s (Ctrl+C to stop)\n", len(types), target)
		}

		go func() {
			<-ctx.Done()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = ws.Close()
		}()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return fmt.Errorf("connection closed: %w", err)
			}
			printFrame(data)
		}
	},
}

// watchTypes resolves the requested names. An empty list means every type.
func watchTypes(names []string) ([]string, error) {
	if len(names) == 0 {
		all := event.All()
		out := make([]string, len(all))
		for i, t := range all {
			out[i] = t.String()
		}
		return out, nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		t, ok := event.Parse(n)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", n)
		}
		out = append(out, t.String())
	}
	return out, nil
}

// watchCredentials decides how the secret reaches the gateway. A secret that
// is a valid RFC 7230 token rides in Sec-WebSocket-Protocol; anything else
// would be split apart there, so it goes in the query string instead.
func watchCredentials(target, secret string) (string, []string) {
	if secret == "" {
		return target, nil
	}
	if isHTTPToken(secret) {
		return target, []string{"bearer", secret}
	}
	u, err := url.Parse(target)
	if err != nil {
		return target, nil
	}
	q := u.Query()
	q.Set("token", secret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isHTTPToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// websocketURL swaps the HTTP scheme of base for its websocket counterpart.
func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.New("server URL must use http or https")
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

func printFrame(data []byte) {
	if outputJSON {
		fmt.Println(string(data))
		return
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		fmt.Println(string(data))
		return
	}

	name, isEvent := msg["event"].(string)
	if !isEvent || msg["payload"] == nil {
		// Control replies: greeting, subscribe acknowledgements, errors.
		fmt.Fprintf(os.Stderr, "» %s\n", data)
		return
	}

	ts := ""
	if ms, ok := msg["timestamp"].(float64); ok {
		ts = time.UnixMilli(int64(ms)).Format(time.RFC3339)
	}
	payload, _ := json.Marshal(msg["payload"])
	fmt.Printf("%s  %-28s  %s\n", ts, name, payload)
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchPath, "path", "/ws", "websocket upgrade path")
	watchCmd.Flags().StringSliceVarP(&watchEvents, "events", "e", nil, "event types to subscribe to (default all)")
}
