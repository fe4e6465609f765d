package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/blackcoderx/amsdk/pkg/core"
	"github.com/blackcoderx/amsdk/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	verbose   bool
	userToken string
	rootCmd   = &cobra.Command{
		Use:   "amsdk",
		Short: "Call the Accela Construct API from your terminal",
		Long: `amsdk sends requests to the Accela records, inspections and documents APIs
using the app credentials in .amsdk/config.json. Saved calls under .amsdk/requests
can be run against environments in .amsdk/environments.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if it exists (optional, warn if malformed)
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: Failed to load .env file: %v\n", err)
			}
			if _, err := core.InitializeFolder(afero.NewOsFs(), "."); err != nil {
				return fmt.Errorf("failed to initialize %s folder: %w", core.FolderName, err)
			}
			// First run creates config.json after the initial read.
			_ = viper.ReadInConfig()
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .amsdk/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log request activity to stderr")
	rootCmd.PersistentFlags().StringVar(&userToken, "token", "", "Use this access token instead of the saved session")
	rootCmd.PersistentFlags().String("agency", "", "Agency name (overrides config)")
	rootCmd.PersistentFlags().String("environment", "", "Agency environment (overrides config)")
	_ = viper.BindPFlag("agency", rootCmd.PersistentFlags().Lookup("agency"))
	_ = viper.BindPFlag("environment", rootCmd.PersistentFlags().Lookup("environment"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(core.FolderName)
		viper.SetConfigType("json")
		viper.SetConfigName("config")
	}
	setDefaults(viper.GetViper(), core.DefaultConfig())

	viper.SetEnvPrefix("AMSDK")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key so AMSDK_* variables reach Unmarshal.
func setDefaults(v *viper.Viper, cfg core.Config) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return
	}
	for k, val := range fields {
		v.SetDefault(k, val)
	}
}

func loadConfig(v *viper.Viper) (core.Config, error) {
	cfg := core.DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	if verbose {
		return logging.NewText(os.Stderr, true)
	}
	return logging.Discard()
}

// newClient builds the SDK client from the loaded config. The saved session token is
// restored unless --token is given.
func newClient() (*core.Client, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	opts := []core.Option{core.WithLogger(newLogger()), core.WithFs(fs)}
	if userToken != "" {
		opts = append(opts, core.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: userToken})))
	}

	c, err := core.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w (edit %s or set AMSDK_APP_ID)", err, filepath.Join(core.FolderName, "config.json"))
	}
	if userToken == "" {
		tok, err := loadSession(fs, core.FolderName)
		if err != nil {
			c.Logger().Warn("ignoring saved session", "error", err)
		} else if tok != nil {
			c.Auth().SetToken(tok)
		}
	}
	return c, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		}
		os.Exit(1)
	}
}
