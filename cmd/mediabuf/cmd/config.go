package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing mediabuf configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

Redirect this output to a file to create a configuration template:

  mediabuf config dump > mediabuf.yaml

Configuration can be set via:
  - Config file (mediabuf.yaml, /etc/mediabuf/mediabuf.yaml)
  - Environment variables with the MEDIABUF_ prefix and underscores
    for nesting (buffer.wanted_buffer_ahead -> MEDIABUF_BUFFER_WANTED_BUFFER_AHEAD)
  - Command-line flags (for some options)`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	cmd.Println(string(out))
	return nil
}
