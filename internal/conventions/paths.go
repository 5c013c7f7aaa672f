package conventions

import "path/filepath"

const (
	// DefaultDataDir is the default distill data directory name (relative to home).
	DefaultDataDir = ".distill"
	// DBFile is the SQLite database filename.
	DBFile = "distill.db"
	// ArtifactsDir is the subdirectory of the program artifact cache.
	ArtifactsDir = "artifacts"
	// ConfigFile is the default configuration filename.
	ConfigFile = "config.yaml"
)

// DBPath returns the database path inside a data directory.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// ArtifactsPath returns the artifact cache directory inside a data directory.
func ArtifactsPath(dataDir string) string {
	return filepath.Join(dataDir, ArtifactsDir)
}

// ConfigPath returns the configuration file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, ConfigFile)
}
