package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

// CompleteOutputFormatList returns the output format names human, json and
// yaml. No subcommand defines an --output flag, and this function is not
// registered as a completion for any flag.
func CompleteOutputFormatList(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"human", "json", "yaml"}, cobra.ShellCompDirectiveDefault
}

// CompleteVerificationModeList completes the --verification-mode flag
// accepted by the flash subcommands.
func CompleteVerificationModeList(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	modes := []string{"full-hash", "prefix-16MiB", "prefix-64MiB", "skipped"}
	var matches []string
	for _, m := range modes {
		if strings.HasPrefix(m, toComplete) {
			matches = append(matches, m)
		}
	}
	return matches, cobra.ShellCompDirectiveNoFileComp
}

// CompleteProfileIDList completes a positional/flag profile_id argument
// with the profiles currently known to the database.
func CompleteProfileIDList(a *app) func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if a.db == nil {
			return nil, cobra.ShellCompDirectiveError
		}
		records, err := a.db.ListProfiles("", "", "", "", "")
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		var matches []string
		for _, r := range records {
			if strings.HasPrefix(r.ProfileID, toComplete) {
				matches = append(matches, r.ProfileID)
			}
		}
		return matches, cobra.ShellCompDirectiveNoFileComp
	}
}
