package cmd

import (
	"strings"

	"github.com/marcus/gradesync/internal/config"
	"github.com/marcus/gradesync/internal/output"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage gradesync configuration",
	GroupID: "system",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Example: `  gradesync config set remote.kind functions
  gradesync config set remote.url https://example.supabase.co/functions/v1/sync
  gradesync config set school_id sch1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		if err := cfg.Set(key, val); err != nil {
			return fail(err)
		}
		if err := config.Save(cfg); err != nil {
			return fail(err)
		}
		if jsonOutput {
			return output.JSON(map[string]string{"key": key, "value": val})
		}
		output.Success("%s = %s", key, val)
		return nil
	},
}

// effectiveConfig is what "config show" prints: resolved values after env
// overrides, with the API key masked.
type effectiveConfig struct {
	ConfigPath    string              `json:"config_path"`
	DataDir       string              `json:"data_dir"`
	SchoolID      string              `json:"school_id"`
	LogLevel      string              `json:"log_level"`
	LogFormat     string              `json:"log_format"`
	Remote        config.RemoteConfig `json:"remote"`
	APIAddr       string              `json:"api_addr"`
	ProbeInterval string              `json:"probe_interval"`
	Debounce      string              `json:"debounce"`
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := config.Path()
		remote := cfg.GetRemote()
		remote.APIKey = maskSecret(remote.APIKey)
		remote.DSN = maskSecret(remote.DSN)
		eff := effectiveConfig{
			ConfigPath:    path,
			DataDir:       dataDir(),
			SchoolID:      cfg.GetSchoolID(),
			LogLevel:      cfg.GetLogLevel(),
			LogFormat:     cfg.GetLogFormat(),
			Remote:        remote,
			APIAddr:       cfg.GetAPIAddr(),
			ProbeInterval: cfg.GetProbeInterval().String(),
			Debounce:      cfg.GetDebounce().String(),
		}
		return output.JSON(eff)
	},
}

// maskSecret keeps the first four characters of a credential.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 8)
}

func init() {
	configCmd.AddCommand(configSetCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
