package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "client.yaml"

func defaultPaths() (configFile, logDir string) {
	home, _ := os.UserHomeDir()
	programData := os.Getenv("ProgramData")
	return resolvePaths(runtime.GOOS, home, programData)
}

// ResolveConfigPath constructs a config file path for the given OS and base
// directories.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "clipsync", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "clipsync", name)
	default:
		if home == "" {
			return filepath.Join("/etc", "clipsync", name)
		}
		return filepath.Join(home, ".config", "clipsync", name)
	}
}

func resolvePaths(goos, home, programData string) (configFile, logDir string) {
	configFile = ResolveConfigPath(goos, home, programData, ConfigFileName)
	switch goos {
	case "darwin":
		logDir = filepath.Join(home, "Library", "Logs", "clipsync")
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		logDir = filepath.Join(programData, "clipsync", "Logs")
	}
	return
}
