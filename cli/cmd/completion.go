package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:
  $ source <(atrest completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ atrest completion bash > /etc/bash_completion.d/atrest
  # macOS:
  $ atrest completion bash > $(brew --prefix)/etc/bash_completion.d/atrest

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ atrest completion zsh > "${fpath[1]}/_atrest"

fish:
  $ atrest completion fish | source

  # To load completions for each session, execute once:
  $ atrest completion fish > ~/.config/fish/completions/atrest.fish

PowerShell:
  PS> atrest completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func generateCompletion(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletionV2(os.Stdout, true)
	case "zsh":
		return cmd.Root().GenZshCompletion(os.Stdout)
	case "fish":
		return cmd.Root().GenFishCompletion(os.Stdout, true)
	default:
		return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	}
}
