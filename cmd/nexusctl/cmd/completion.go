package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// completionCmd represents the completion command
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:

  $ source <(nexusctl completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ nexusctl completion bash > /etc/bash_completion.d/nexusctl
  # macOS:
  $ nexusctl completion bash > $(brew --prefix)/etc/bash_completion.d/nexusctl

Zsh:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc
  $ nexusctl completion zsh > "${fpath[1]}/_nexusctl"

fish:

  $ nexusctl completion fish | source
  $ nexusctl completion fish > ~/.config/fish/completions/nexusctl.fish

PowerShell:

  PS> nexusctl completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
