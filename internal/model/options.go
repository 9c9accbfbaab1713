package model

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Options are the run options of kiscollect. They are filled from command
// line flags and KISCOLLECT_* environment variables.
type Options struct {
	Workspace     string   `mapstructure:"workspace"`
	Autostart     bool     `mapstructure:"autostart"`
	PrintCommands bool     `mapstructure:"print-commands"`
	Strict        bool     `mapstructure:"strict"`
	Vhost         string   `mapstructure:"vhost"`
	TLD           bool     `mapstructure:"tld"`
	Filter        []string `mapstructure:"filter"`
	Threads       int      `mapstructure:"threads"`
	DelayMin      int      `mapstructure:"delay-min"` // seconds
	DelayMax      int      `mapstructure:"delay-max"` // seconds
	Timeout       int      `mapstructure:"timeout"`   // seconds, 0 means no limit
	Restart       []string `mapstructure:"restart"`
	Analyze       bool     `mapstructure:"analyze"`
	Continue      bool     `mapstructure:"continue"`
	ContinueEvery string   `mapstructure:"continue-every"`
	Testing       bool     `mapstructure:"testing"`
	OutputDir     string   `mapstructure:"output-dir"`
	List          bool     `mapstructure:"list"`
	Debug         bool     `mapstructure:"debug"`

	// passed to collectors
	DNSServer    string   `mapstructure:"dns-server"`
	HTTPProxy    string   `mapstructure:"http-proxy"`
	Proxychains  bool     `mapstructure:"proxychains"`
	Cookies      []string `mapstructure:"cookies"`
	UserAgent    string   `mapstructure:"user-agent"`
	User         string   `mapstructure:"user"`
	UserFile     string   `mapstructure:"user-file"`
	Password     string   `mapstructure:"password"`
	PasswordFile string   `mapstructure:"password-file"`
	ComboFile    string   `mapstructure:"combo-file"`
	Domain       string   `mapstructure:"domain"`
	Hashes       bool     `mapstructure:"hashes"`
	Wordlists    []string `mapstructure:"wordlist-files"`

	// Collectors are the names of the enabled collector switches
	Collectors []string `mapstructure:"-"`
	// Tools maps a tool name to the binary to execute
	Tools map[string]string `mapstructure:"-"`
	// WorkDir is where commands are executed, either OutputDir or a temporary directory
	WorkDir string `mapstructure:"-"`
}

// Validate checks the constraints between options. All violations are
// reported, each wrapping its own sentinel error.
func (o Options) Validate() error {
	var errs []error
	if o.Workspace == "" && !o.List {
		errs = append(errs, ErrWorkspaceRequired)
	}
	if o.User != "" && o.UserFile != "" {
		errs = append(errs, ErrUserExclusive)
	}
	if o.Password != "" && o.PasswordFile != "" {
		errs = append(errs, ErrPasswordExclusive)
	}
	for _, f := range []struct {
		flag string
		path string
	}{
		{"--user-file", o.UserFile},
		{"--password-file", o.PasswordFile},
		{"--combo-file", o.ComboFile},
	} {
		if err := regularFile(f.flag, f.path); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range o.Wordlists {
		if err := regularFile("--wordlist-files", w); err != nil {
			errs = append(errs, err)
		}
	}
	if o.OutputDir != "" {
		if info, err := os.Stat(o.OutputDir); err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("%w: %s", ErrOutputDir, o.OutputDir))
		}
	}
	if o.Threads < 1 {
		errs = append(errs, fmt.Errorf("%w: got %d", ErrThreads, o.Threads))
	}
	if o.DelayMin < 0 || o.DelayMax < 0 {
		errs = append(errs, fmt.Errorf("%w: delays must not be negative", ErrDelay))
	} else if o.DelayMin > 0 && o.DelayMax > 0 && o.DelayMin > o.DelayMax {
		errs = append(errs, fmt.Errorf("%w: --delay-min %d is greater than --delay-max %d", ErrDelay, o.DelayMin, o.DelayMax))
	}
	if o.Timeout < 0 {
		errs = append(errs, ErrTimeout)
	}
	if _, err := ParseVhost(o.Vhost); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseRestart(o.Restart); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseEvery(o.ContinueEvery); err != nil {
		errs = append(errs, fmt.Errorf("--continue-every: %w", err))
	}
	return errors.Join(errs...)
}

func regularFile(flag, path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s %s", ErrFileNotFound, flag, path)
	}
	return nil
}

// Pacing returns the delay bounds between two commands of a worker.
// With only one bound set the delay is fixed to it.
func (o Options) Pacing() (lo, hi time.Duration) {
	lo = time.Duration(o.DelayMin) * time.Second
	hi = time.Duration(o.DelayMax) * time.Second
	switch {
	case lo == 0:
		return hi, hi
	case hi == 0:
		return lo, lo
	default:
		return lo, hi
	}
}

func (o Options) CommandTimeout() time.Duration {
	return time.Duration(o.Timeout) * time.Second
}

// Tool returns the binary configured for a tool, the tool name itself otherwise
func (o Options) Tool(name string) string {
	if p, ok := o.Tools[name]; ok && p != "" {
		return p
	}
	return name
}
