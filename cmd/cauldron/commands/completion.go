package commands

import (
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for Cauldron.

To load completions:

Bash:
  $ cauldron completion bash > ~/.local/share/bash-completion/completions/cauldron

Zsh:
  $ cauldron completion zsh > ~/.zsh/completion/_cauldron

Fish:
  $ cauldron completion fish > ~/.config/fish/completions/cauldron.fish

PowerShell:
  PS> cauldron completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  runCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func runCompletion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletionV2(out, true)
	case "zsh":
		return cmd.Root().GenZshCompletion(out)
	case "fish":
		return cmd.Root().GenFishCompletion(out, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(out)
	}
	return nil
}

func modeCompletions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{
		"host\tHost-visible memory only",
		"device\tDevice-local memory only",
		"staging\tHost staging copied into device-local memory",
	}, cobra.ShellCompDirectiveNoFileComp
}

func strategyCompletions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{
		"managed\tOne-call allocator with memory type fallback",
		"raw\tExplicit create, allocate, bind and map",
	}, cobra.ShellCompDirectiveNoFileComp
}

func levelCompletions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
}

// registerFlagCompletions attaches value completions to the persistent pool flags
func registerFlagCompletions(root *cobra.Command) {
	root.RegisterFlagCompletionFunc("mode", modeCompletions)
	root.RegisterFlagCompletionFunc("strategy", strategyCompletions)
	root.RegisterFlagCompletionFunc("log-level", levelCompletions)
}
