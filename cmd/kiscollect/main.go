package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kaliintelsuite/kiscollect/internal/collector"
	"github.com/kaliintelsuite/kiscollect/internal/log"
	"github.com/kaliintelsuite/kiscollect/internal/model"
)

var (
	userConfigPath string // /default/config/path/kiscollect on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "kiscollect")
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("kiscollect crashed", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			os.Exit(1)
		}
	}()

	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is kiscollect.yaml in current directory or in "+userConfigPath)
	addCollectFlags(rootCmd)

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config
	rootCmd.PersistentPreRunE = initKiscollect

	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errListed) {
			slog.Error("kiscollect failed", "error", err)
			fmt.Fprintf(os.Stderr, "kiscollect: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "kiscollect [flags] WORKSPACE",
	Short:        "Run collectors against the targets of a workspace",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         doCollect,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a kiscollect",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("kiscollect: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:     %s\n", configPath)
		}
		fmt.Printf("kiscollect: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
		fmt.Println()
		fmt.Println("collectors:")
		for _, d := range collector.Descriptors() {
			fmt.Printf("  %-16s %s\n", d.Name, d.Description)
		}
	},
}

func initKiscollect(cmd *cobra.Command, _ []string) error {
	// errors before logging is set up go to stderr
	slog.SetDefault(log.New(os.Stderr, slog.LevelInfo))

	if envConfig, ok := os.LookupEnv("KISCOLLECTCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "kiscollect.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(userConfigPath)
		configPath = filepath.Join(userConfigPath, "kiscollect.yaml")
		return storeConfig(configPath, config)
	}

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	config, err = model.LoadConfig(f)
	if err != nil {
		for _, d := range model.ConfigErrors(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config %s: %w", configPath, err)
	}
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
