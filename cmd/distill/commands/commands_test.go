package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/config"
)

func TestRootCommandLoadConfig(t *testing.T) {
	tests := map[string]struct {
		config     string
		configPath string
		dbPath     string
		expConfig  func(dataDir string) config.Config
		expErr     bool
	}{
		"A missing default config file should use the defaults.": {
			expConfig: func(dataDir string) config.Config {
				c := config.Default()
				c.DataDir = dataDir
				c.DBPath = filepath.Join(dataDir, "distill.db")
				return c
			},
		},
		"A missing explicit config file should fail.": {
			configPath: "missing.yaml",
			expErr:     true,
		},
		"The default config file should be loaded.": {
			config: "execution:\n  default_timeout: 2s\n",
			expConfig: func(dataDir string) config.Config {
				c := config.Default()
				c.DataDir = dataDir
				c.DBPath = filepath.Join(dataDir, "distill.db")
				c.Execution.DefaultTimeout = 2 * time.Second
				return c
			},
		},
		"The db path flag should have priority over the config file.": {
			config: "db_path: /from/config.db\n",
			dbPath: "/from/flag.db",
			expConfig: func(dataDir string) config.Config {
				c := config.Default()
				c.DataDir = dataDir
				c.DBPath = "/from/flag.db"
				return c
			},
		},
		"An invalid config file should fail.": {
			config: "runtime:\n  kind: wasm\n",
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			dataDir := t.TempDir()
			if test.config != "" {
				err := os.WriteFile(filepath.Join(dataDir, "config.yaml"), []byte(test.config), 0o644)
				require.NoError(err)
			}
			configPath := test.configPath
			if configPath != "" {
				configPath = filepath.Join(dataDir, configPath)
			}

			root := RootCommand{DataDir: dataDir, DBPath: test.dbPath, ConfigPath: configPath}
			cfg, err := root.LoadConfig(context.Background())

			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(test.expConfig(dataDir), *cfg)
		})
	}
}

func TestDockerLanguages(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	langs, err := dockerLanguages(map[string]string{"python": "python:3.13-slim"})
	require.NoError(err)
	assert.Equal("python:3.13-slim", langs["python"].Image)
	assert.NotEmpty(langs["python"].Command)
	assert.Equal("node:22-alpine", langs["javascript"].Image)

	_, err = dockerLanguages(map[string]string{"cobol": "cobol:latest"})
	assert.Error(err)
}
