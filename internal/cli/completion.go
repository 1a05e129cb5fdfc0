package cli

import (
	"html"
	"strings"

	"github.com/spf13/cobra"

	"nitrosync/internal/combined"
)

// CompletionFunc is the signature cobra uses for ValidArgsFunction.
type CompletionFunc func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective)

// ListCompletion completes list names for the first positional argument.
// load is only called when completion is requested.
func ListCompletion(load func() ([]combined.ListInfo, error)) CompletionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		lists, err := load()
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}

		var completions []string
		for _, l := range lists {
			name := html.UnescapeString(l.Name)
			if strings.HasPrefix(strings.ToLower(name), strings.ToLower(toComplete)) {
				completions = append(completions, name)
			}
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	}
}
