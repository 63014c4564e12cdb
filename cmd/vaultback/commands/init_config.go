package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultback/vaultback/internal/config"
)

var initForce bool

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a starter vaultback configuration file with a freshly
generated master key.

By default the file is created at $XDG_CONFIG_HOME/vaultback/config.yaml.
Use --config to choose a custom path.`,
	RunE: runInitConfig,
}

func init() {
	initConfigCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error
	if configFile != "" {
		configPath = configFile
		err = config.InitConfigToPath(configFile, initForce)
	} else {
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("Edit it to fill in your bucket credentials and includes, then run:")
	fmt.Println("  vaultback backup")
	return nil
}
