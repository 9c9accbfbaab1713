package collector

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

// hydra checks credentials against a service. Without any credential
// option no command is created.
type hydra struct {
	module string
}

func (h hydra) BuildCommands(t model.Target, opts model.Options) ([]model.CommandSpec, error) {
	if t.Service == nil {
		return nil, fmt.Errorf("%s: target %s has no service", h.module, t)
	}
	argv := []string{opts.Tool("hydra"), "-I"}
	switch {
	case opts.ComboFile != "":
		argv = append(argv, "-C", opts.ComboFile)
	case (opts.User != "" || opts.UserFile != "") && (opts.Password != "" || opts.PasswordFile != ""):
		if opts.User != "" {
			argv = append(argv, "-l", opts.User)
		} else {
			argv = append(argv, "-L", opts.UserFile)
		}
		if opts.Password != "" {
			argv = append(argv, "-p", opts.Password)
		} else {
			argv = append(argv, "-P", opts.PasswordFile)
		}
	default:
		return nil, nil
	}
	argv = append(argv,
		"-s", strconv.Itoa(int(t.Service.Port)),
		h.module+"://"+hostLiteral(t.Address),
	)
	return []model.CommandSpec{command(argv...)}, nil
}

// [21][ftp] host: 192.0.2.2   login: admin   password: secret
var hydraFound = regexp.MustCompile(`^\[(\d+)\]\[([\w-]+)\]\s+host:\s+(\S+)\s+login:\s+(\S+)\s+password:\s?(.*)$`)

func (h hydra) AnalyzeOutput(out model.Output) ([]model.Event, error) {
	var events []model.Event
	sc := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for sc.Scan() {
		m := hydraFound.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		port, err := strconv.ParseUint(m[1], 10, 16)
		if err != nil {
			continue
		}
		addr, err := netip.ParseAddr(m[3])
		if err != nil {
			addr = out.Command.Target.Address
		}
		protocol := "tcp"
		if out.Command.Target.Service != nil {
			protocol = out.Command.Target.Service.Protocol
		}
		events = append(events, model.CredentialEvent{
			Address:  addr,
			Protocol: protocol,
			Port:     uint16(port),
			Username: m[4],
			Password: m[5],
		})
	}
	return events, sc.Err()
}

// nikto scans a web server
type nikto struct{}

func (nikto) BuildCommands(t model.Target, opts model.Options) ([]model.CommandSpec, error) {
	argv := []string{opts.Tool("nikto"), "-nointeractive", "-ask", "no", "-host", serviceURL(t)}
	if opts.UserAgent != "" {
		argv = append(argv, "-useragent", opts.UserAgent)
	}
	if opts.HTTPProxy != "" {
		argv = append(argv, "-useproxy", opts.HTTPProxy)
	}
	return []model.CommandSpec{command(argv...)}, nil
}

func (nikto) AnalyzeOutput(model.Output) ([]model.Event, error) {
	return nil, nil
}

// defaultWordlist is used by gobuster when no --wordlist-files are given
const defaultWordlist = "/usr/share/wordlists/dirb/common.txt"

// gobuster enumerates directories, one command per wordlist
type gobuster struct{}

func (gobuster) BuildCommands(t model.Target, opts model.Options) ([]model.CommandSpec, error) {
	wordlists := opts.Wordlists
	if len(wordlists) == 0 {
		wordlists = []string{defaultWordlist}
	}
	var ret []model.CommandSpec
	for _, w := range wordlists {
		argv := []string{opts.Tool("gobuster"), "dir", "-q", "-k", "-u", serviceURL(t), "-w", w}
		if opts.UserAgent != "" {
			argv = append(argv, "-a", opts.UserAgent)
		}
		if len(opts.Cookies) > 0 {
			argv = append(argv, "-c", strings.Join(opts.Cookies, "; "))
		}
		if opts.HTTPProxy != "" {
			argv = append(argv, "--proxy", opts.HTTPProxy)
		}
		ret = append(ret, command(argv...))
	}
	return ret, nil
}

func (gobuster) AnalyzeOutput(model.Output) ([]model.Event, error) {
	return nil, nil
}

func hostLiteral(addr netip.Addr) string {
	if addr.Is6() {
		return "[" + addr.String() + "]"
	}
	return addr.String()
}
