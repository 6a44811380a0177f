package cmd

import (
	"github.com/spf13/cobra"
)

// completionCmd represents the completion command
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:

  $ source <(hitctl completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ hitctl completion bash > /etc/bash_completion.d/hitctl
  # macOS:
  $ hitctl completion bash > $(brew --prefix)/etc/bash_completion.d/hitctl

Zsh:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc
  $ hitctl completion zsh > "${fpath[1]}/_hitctl"

fish:

  $ hitctl completion fish > ~/.config/fish/completions/hitctl.fish

PowerShell:

  PS> hitctl completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(out)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
