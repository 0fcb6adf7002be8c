package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	serverURL  string
	grpcAddr   string
	timeout    time.Duration
	useHTTP    bool
	outputJSON bool
	prettyJSON bool
	secret     string
	jwtToken   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nexusctl",
	Short: "Nexus CLI - Interact with the Nexus event bus",
	Long: `Nexus CLI (nexusctl) is a command line tool for operating the Nexus
event bus.

You can use it to emit signed events, read the event log, inspect the retry
queue and dead letters, and watch the live websocket feed.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.nexusctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:3000", "base URL of the Nexus HTTP API")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc", "localhost:50051", "gRPC health address (host:port)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&useHTTP, "http", false, "use HTTP instead of gRPC for health checks")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "shared HMAC secret (overrides NEXUS_SECRET env var)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "admin JWT for the retry endpoints (overrides JWT_TOKEN env var)")

	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("grpc", rootCmd.PersistentFlags().Lookup("grpc"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("http", rootCmd.PersistentFlags().Lookup("http"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".nexusctl")
	}

	viper.SetEnvPrefix("NEXUSCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if !rootCmd.PersistentFlags().Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverURL = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("grpc") {
		if s := viper.GetString("grpc"); s != "" {
			grpcAddr = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("http") {
		useHTTP = viper.GetBool("http")
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !rootCmd.PersistentFlags().Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	// Credentials are never written by config set; env is the fallback.
	if !rootCmd.PersistentFlags().Changed("secret") {
		secret = os.Getenv("NEXUS_SECRET")
	}
	if !rootCmd.PersistentFlags().Changed("token") {
		jwtToken = os.Getenv("JWT_TOKEN")
	}
}

// endpoint joins the server base URL and a path.
func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// makeHTTPRequest makes an HTTP request to the Nexus API. headers are added
// as given; the admin token is attached when set.
func makeHTTPRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	client := &http.Client{Timeout: timeout}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint(serverURL, path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}

	return client.Do(req)
}

// decodeResponse reads a JSON response. Non-2xx statuses become errors that
// carry the server's message when it sent one.
func decodeResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("unexpected response (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg, ok := out["message"].(string); ok && msg != "" {
			return out, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
		if msg, ok := out["error"].(string); ok && msg != "" {
			return out, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
		return out, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return out, nil
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput prints v as JSON (optionally through jq) or in Go's %+v form.
func printOutput(v any) {
	if !outputJSON {
		fmt.Printf("%+v\n", v)
		return
	}

	var jsonData []byte
	var err error
	if prettyJSON {
		jsonData, err = json.Marshal(v)
	} else {
		jsonData, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}

	if !prettyJSON {
		fmt.Println(string(jsonData))
		return
	}

	formatted, jqErr := formatWithJQ(jsonData)
	if jqErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
		jsonData, _ = json.MarshalIndent(v, "", "  ")
		fmt.Println(string(jsonData))
		return
	}
	fmt.Print(formatted)
}

// parseJSON parses a JSON object string.
func parseJSON(jsonStr string) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("failed to parse JSON: expected an object")
	}
	return data, nil
}

// readInput returns the literal argument, the named file, or stdin for "-".
func readInput(arg, file string) ([]byte, error) {
	switch {
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	default:
		return []byte(arg), nil
	}
}
