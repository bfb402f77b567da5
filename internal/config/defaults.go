// Package config handles configuration loading and validation for crumbles.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/crumbles/
//   - Linux:   ~/.local/share/crumbles/
//   - Windows: %APPDATA%\crumbles\
//
// Falls back to ~/.crumbles if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformCacheDir returns the platform-specific cache directory.
//
// Platform paths:
//   - macOS:   ~/Library/Caches/crumbles/
//   - Linux:   ~/.cache/crumbles/
//   - Windows: %LOCALAPPDATA%\crumbles\cache\
func PlatformCacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		home := homeDir()
		return filepath.Join(home, "Library", "Caches", "crumbles")
	case "linux":
		if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
			return filepath.Join(xdgCache, "crumbles")
		}
		return filepath.Join(homeDir(), ".cache", "crumbles")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "crumbles", "cache")
		}
		return filepath.Join(homeDir(), "AppData", "Local", "crumbles", "cache")
	default:
		return filepath.Join(fallbackDataDir(), "cache")
	}
}

// PlatformRuntimeDir returns the platform-specific runtime directory.
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "crumbles")
		}
		return filepath.Join("/tmp", "crumbles-"+getUserID())
	case "windows":
		return "" // Windows uses named pipes
	default:
		return filepath.Join("/tmp", "crumbles-"+getUserID())
	}
}

func macOSDataDir() string {
	return filepath.Join(homeDir(), "Library", "Application Support", "crumbles")
}

// linuxDataDir follows the XDG Base Directory Specification.
func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "crumbles")
	}
	return filepath.Join(homeDir(), ".local", "share", "crumbles")
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "crumbles")
	}
	return filepath.Join(homeDir(), "AppData", "Roaming", "crumbles")
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), ".crumbles")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

func getUserID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

func defaultTPMPath() string {
	switch runtime.GOOS {
	case "linux":
		// Prefer the resource manager path
		if _, err := os.Stat("/dev/tpmrm0"); err == nil {
			return "/dev/tpmrm0"
		}
		return "/dev/tpm0"
	default:
		return ""
	}
}
