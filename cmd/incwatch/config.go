package main

import (
	"fmt"
	"io"
	"os"

	"github.com/incbuild/incwatch/internal/config"
	"github.com/incbuild/incwatch/internal/ui"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or show the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current settings",
	Long: `Write incwatch.toml with the effective settings (defaults, environment
and flags applied). With --interactive the common settings are prompted
for first. With --force an existing file is replaced, and a config that
no longer loads is replaced with the defaults.`,
	Run: func(cmd *cobra.Command, args []string) {
		interactive, _ := cmd.Flags().GetBool("interactive")
		force, _ := cmd.Flags().GetBool("force")
		path, _ := cmd.Flags().GetString("path")

		prompt := func(s config.Settings) (config.Settings, error) { return s, nil }
		if interactive {
			prompt = config.Prompt
		}
		if code := initConfig(path, force, prompt, os.Stdout, os.Stderr); code != 0 {
			os.Exit(code)
		}
	},
}

// initConfig writes the effective settings, passed through prompt, to
// path and returns the exit code.
func initConfig(path string, force bool, prompt func(config.Settings) (config.Settings, error), stdout, stderr io.Writer) int {
	s := config.Default()
	if loaded, err := loadSettings(); err == nil {
		s = loaded
	} else if !force {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}

	s, err := prompt(s)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := config.WriteFile(path, s, force); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s Wrote %s\n", ui.RenderPass("✓"), path)
	return 0
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		if code := showConfig(mustSettings(), format, os.Stdout, os.Stderr); code != 0 {
			os.Exit(code)
		}
	},
}

func showConfig(s config.Settings, format string, stdout, stderr io.Writer) int {
	if s.File != "" {
		fmt.Fprintf(stderr, "%s\n", ui.RenderMuted("# from "+s.File))
	}

	var err error
	switch format {
	case "toml":
		err = config.EncodeTOML(stdout, s)
	case "yaml":
		err = config.EncodeYAML(stdout, s)
	default:
		err = fmt.Errorf("unknown format %q (want toml or yaml)", format)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func init() {
	configInitCmd.Flags().BoolP("interactive", "i", false, "prompt for common settings")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configInitCmd.Flags().String("path", "incwatch.toml", "file to write")
	configShowCmd.Flags().String("format", "toml", "output format (toml, yaml)")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
