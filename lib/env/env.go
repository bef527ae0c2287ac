// Package env contains functions for dealing with environment variables
// and shell-style expansion of user supplied paths.
package env

import (
	"os"

	homedir "github.com/mitchellh/go-homedir"
)

// ShellExpandHelp is the help for strings which are shell expanded.
const ShellExpandHelp = "\n\nLeading `~` will be expanded in the file name as will environment variables such as `${HOME}`.\n"

// ShellExpand replaces a leading "~" with the home directory and expands
// environment variables in its argument.
func ShellExpand(s string) string {
	if s != "" {
		if s[0] == '~' {
			newS, err := homedir.Expand(s)
			if err == nil {
				s = newS
			}
		}
		s = os.Expand(s, os.Getenv)
	}
	return s
}
