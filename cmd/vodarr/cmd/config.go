package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vodarr/vodarr/internal/config"
	"github.com/vodarr/vodarr/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Print a default configuration file",
	Long: `Print the default configuration in YAML format. Redirect the
output to create a configuration template:

  vodarr config init > ~/.vodarr.yaml

Environment variables use the VODARR_ prefix and underscores for nesting.
Example: webhook.port -> VODARR_WEBHOOK_PORT`,
	RunE: runConfigInit,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file,
and environment variables. Secrets are omitted.`,
	RunE: runConfigView,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configViewCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	fmt.Println("# vodarr configuration file")
	fmt.Println("# All values shown are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 2d. Size format: 500MB, 5GB.")
	fmt.Println("")
	return printConfig(cfg)
}

func runConfigView(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Never echo credentials.
	cfg.Twitch.ClientSecret = ""
	cfg.Twitch.OAuthToken = ""

	return printConfig(cfg)
}

func printConfig(cfg *config.Config) error {
	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

// toMap converts the config struct to a map keyed by mapstructure tags,
// rendering durations and sizes in their human-readable forms.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(typ.Field(i).Name)
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(fv)
		case config.Duration:
			result[key] = duration.Format(fv.Duration())
		case config.ByteSize:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}
