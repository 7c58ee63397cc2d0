package config

import "path/filepath"

// ServerConfig holds the HTTP surface and on-disk layout.
type ServerConfig struct {
	// HTTPPort is the port the REST API listens on.
	HTTPPort int

	// DataDir is the root of persisted files; uploads live under it.
	DataDir string

	// DBPath is the SQLite database file.
	DBPath string
}

// UploadsDir is where uploaded audio files are stored.
func (c *ServerConfig) UploadsDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// loadServerConfig reads server settings from the environment.
func loadServerConfig() (*ServerConfig, error) {
	port, err := getEnvIntOrDefault("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	dataDir := getEnvOrDefault("DATA_DIR", "data")
	return &ServerConfig{
		HTTPPort: port,
		DataDir:  dataDir,
		DBPath:   getEnvOrDefault("DB_PATH", filepath.Join(dataDir, "voxlog.db")),
	}, nil
}
