package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/nexus/internal/signer"
)

var signFile string

// signCmd represents the sign command
var signCmd = &cobra.Command{
	Use:   "sign [body]",
	Short: "Print the HMAC signature of a body",
	Long: `Print the lowercase hex HMAC-SHA256 of the given bytes using the shared
secret. The bytes are signed exactly as given, so use --file to sign a body
with a trailing newline or other whitespace.

Examples:
  nexusctl sign '{"type":"NEXUS:START","payload":{}}'
  nexusctl sign --file body.json
  curl ... | nexusctl sign --file -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if secret == "" {
			return errors.New("no secret configured: pass --secret or set NEXUS_SECRET")
		}
		var arg string
		if len(args) == 1 {
			arg = args[0]
		}
		body, err := readInput(arg, signFile)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}

		sig := signer.Sign([]byte(secret), body)
		if outputJSON {
			printOutput(map[string]string{"header": signer.Header, "signature": sig})
			return nil
		}
		fmt.Println(sig)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)

	signCmd.Flags().StringVarP(&signFile, "file", "f", "", "read the body from a file (- for stdin)")
}
