package paths

import (
	"flag"
)

// SetupFilePathFlag creates a new string flag with the passed name defaulting
// to wherever FindOrDefault locates fileName.
func SetupFilePathFlag(fileName, flagName string, flagPtr *string) {
	flag.StringVar(flagPtr, flagName, FindOrDefault(fileName), "path to "+fileName+" (JSON or YAML)")
}
