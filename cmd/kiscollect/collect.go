package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/kaliintelsuite/kiscollect/internal/catalogue"
	"github.com/kaliintelsuite/kiscollect/internal/collector"
	"github.com/kaliintelsuite/kiscollect/internal/log"
	"github.com/kaliintelsuite/kiscollect/internal/model"
	"github.com/kaliintelsuite/kiscollect/internal/producer"
	"github.com/kaliintelsuite/kiscollect/internal/registry"
	"github.com/kaliintelsuite/kiscollect/internal/scope"
	"github.com/kaliintelsuite/kiscollect/internal/service"
	"github.com/kaliintelsuite/kiscollect/internal/status"
)

var (
	// errListed ends a --list invocation with a non-zero exit code
	errListed      = errors.New("workspaces listed")
	errNotRoot     = errors.New("kiscollect must be run as root, only --print-commands works without privileges")
	errNoCollector = errors.New("no collector enabled, see --help")
)

func addCollectFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("autostart", false, "start collection right away and exit when done")
	f.Bool("print-commands", false, "print the commands which would be executed and exit")
	f.Bool("strict", false, "skip services nmap reports as open|filtered")
	f.String("vhost", "off", "virtual hosts of web services: off, domain or all")
	f.Bool("tld", false, "also collect registered domains of in-scope host names")
	f.StringSlice("filter", nil, "exclude these addresses, networks and host names; any +ENTRY token switches to processing only the + entries, even outside the scope")
	f.IntP("threads", "t", 10, "number of parallel commands")
	f.Int("delay-min", 0, "minimal delay in seconds between two commands of a worker")
	f.Int("delay-max", 0, "maximal delay in seconds between two commands of a worker")
	f.Int("timeout", 0, "command timeout in seconds, 0 means no limit")
	f.StringSlice("restart", nil, "re-execute commands with status failed, terminated or completed")
	f.Bool("analyze", false, "re-analyze the output of completed commands without executing them")
	f.Bool("continue", false, "run passes until stopped")
	f.String("continue-every", "", "cron expression or ISO 8601 duration between passes")
	f.Bool("testing", false, "use the testing catalogue")
	f.StringP("output-dir", "o", "", "directory commands are executed in, a removed temporary directory otherwise")
	f.BoolP("list", "l", false, "list workspaces and exit")
	f.Bool("debug", false, "debug logging")

	f.String("dns-server", "", "DNS server used by collectors")
	f.String("http-proxy", "", "HTTP proxy used by web collectors")
	f.Bool("proxychains", false, "run every command through proxychains")
	f.StringSlice("cookies", nil, "cookies sent by web collectors, NAME=VALUE")
	f.String("user-agent", "", "user agent sent by web collectors")
	f.StringP("user", "u", "", "user name for brute force collectors")
	f.StringP("user-file", "U", "", "file with user names")
	f.StringP("password", "p", "", "password for brute force collectors")
	f.StringP("password-file", "P", "", "file with passwords")
	f.StringP("combo-file", "C", "", "file with user:password combinations")
	f.StringP("domain", "d", "", "domain of the credentials")
	f.Bool("hashes", false, "passwords are hashes")
	f.StringSlice("wordlist-files", nil, "wordlists of web collectors")

	for _, d := range collector.Descriptors() {
		f.Bool(d.Name, false, d.Description)
	}
}

// options merges flags and KISCOLLECT_* environment variables
func options(cmd *cobra.Command, args []string) (model.Options, error) {
	v := viper.New()
	v.SetEnvPrefix("KISCOLLECT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return model.Options{}, err
	}

	var opts model.Options
	if err := v.Unmarshal(&opts); err != nil {
		return model.Options{}, fmt.Errorf("reading options: %w", err)
	}
	if len(args) > 0 {
		opts.Workspace = args[0]
	}
	for _, d := range collector.Descriptors() {
		if v.GetBool(d.Name) {
			opts.Collectors = append(opts.Collectors, d.Name)
		}
	}
	opts.Tools = config.Tools
	if opts.ContinueEvery == "" && config.Continuous != nil {
		opts.ContinueEvery = config.Continuous.Every
	}
	return opts, nil
}

func doCollect(cmd *cobra.Command, args []string) error {
	opts, err := options(cmd, args)
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if !opts.PrintCommands && !opts.List && unix.Geteuid() != 0 {
		return errNotRoot
	}

	// logging
	logFile := log.File{}
	if config.Log != nil && !opts.PrintCommands {
		logFile = log.File{
			Path:       config.Log.File,
			MaxSizeMB:  config.Log.MaxSizeMB,
			MaxBackups: config.Log.MaxBackups,
			Compress:   config.Log.Compress,
		}
	}
	w, err := logFile.Open()
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	slog.SetDefault(log.New(w, log.Level(opts.Debug, opts.Analyze)))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("kiscollect",
		slog.Int("pid", os.Getpid()),
	))
	slog.InfoContext(ctx, "kiscollect started", "argv", os.Args, "config", configPath)

	path := config.CataloguePath(opts.Testing)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating catalogue directory: %w", err)
	}
	db, err := catalogue.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	if opts.List {
		if err := listWorkspaces(ctx, db); err != nil {
			return err
		}
		return errListed
	}

	ws, err := db.Workspace(ctx, opts.Workspace)
	if err != nil {
		return err
	}
	ctx = log.ContextAttrs(ctx, slog.String("workspace", ws.Name))

	reg, err := collector.Default()
	if err != nil {
		return err
	}
	if len(opts.Collectors) == 0 {
		return errNoCollector
	}
	descs, err := reg.ListCollectors(opts.Collectors)
	if err != nil {
		return err
	}

	if opts.PrintCommands {
		p, err := producer.New(ws.ID, scope.NewResolver(db), status.NewTracker(db, ws.ID), db, opts)
		if err != nil {
			return err
		}
		return p.Print(ctx, os.Stdout, descs)
	}

	if opts.OutputDir != "" {
		opts.WorkDir = opts.OutputDir
	} else {
		opts.WorkDir, err = os.MkdirTemp("", "kiscollect-")
		if err != nil {
			return fmt.Errorf("creating working directory: %w", err)
		}
		defer func() {
			if err := os.RemoveAll(opts.WorkDir); err != nil {
				slog.WarnContext(ctx, "removing working directory", "dir", opts.WorkDir, "error", err)
			}
		}()
	}

	return collect(ctx, ws, opts, reg, descs, db)
}

func collect(ctx context.Context, ws model.Workspace, opts model.Options, reg *registry.Registry, descs []registry.Descriptor, db *catalogue.DB) error {
	every, err := model.ParseEvery(opts.ContinueEvery)
	if err != nil {
		return err
	}
	supervisor, err := service.NewSupervisor(ctx, service.Config{
		Workspace:  ws,
		Options:    opts,
		Collectors: descs,
		Registry:   reg,
		Autostart:  opts.Autostart,
		Oneshot:    opts.Autostart && !opts.Continue,
		Continue:   opts.Continue,
		Every:      every,
	}, db)
	if err != nil {
		return err
	}

	if opts.Autostart {
		return supervisor.Do(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return service.NewConsole(supervisor, ws.Name).Run(ctx, os.Stdin, os.Stdout)
	})
	return g.Wait()
}

func listWorkspaces(ctx context.Context, db *catalogue.DB) error {
	wss, err := db.ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"workspace", "pending", "completed", "failed", "terminated"}}
	for _, ws := range wss {
		counts, err := db.StatusCounts(ctx, ws.ID)
		if err != nil {
			return err
		}
		data = append(data, []string{
			ws.Name,
			fmt.Sprint(counts[model.StatusPending]),
			fmt.Sprint(counts[model.StatusCompleted]),
			fmt.Sprint(counts[model.StatusFailed]),
			fmt.Sprint(counts[model.StatusTerminated]),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader(true).WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Println(table)
	return nil
}
