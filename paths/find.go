// Package paths locates the configuration files of the ChatBridge binaries.
package paths

import (
	"os"
	"path/filepath"

	"github.com/golang/glog"
)

// Dirs returns the directories searched by Find, in order: the working
// directory, $XDG_CONFIG_HOME/chatbridge (or ~/.config/chatbridge) and the
// directory of the running binary.
func Dirs() []string {
	dirs := []string{"."}

	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		dirs = append(dirs, filepath.Join(x, "chatbridge"))
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "chatbridge"))
	}

	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	return dirs
}

// Find locates fileName in Dirs and returns the first path it exists at, or
// "" if there is none.
func Find(fileName string) string {
	if filepath.IsAbs(fileName) {
		if _, err := os.Stat(fileName); err == nil {
			return fileName
		}
		return ""
	}
	for _, dir := range Dirs() {
		path := filepath.Join(dir, fileName)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			glog.V(1).Infof("paths.Find(%q)=%s", fileName, path)
			return path
		}
	}
	return ""
}

// FindOrDefault is Find, falling back to fileName in the working directory,
// where a default configuration can then be written.
func FindOrDefault(fileName string) string {
	if path := Find(fileName); path != "" {
		return path
	}
	return fileName
}
