package collector

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

// dnsHost resolves a host name with host(1)
type dnsHost struct{}

func (dnsHost) BuildCommands(t model.Target, opts model.Options) ([]model.CommandSpec, error) {
	if t.HostName == "" {
		return nil, fmt.Errorf("dnshostpublic: target %s has no host name", t)
	}
	argv := []string{opts.Tool("host"), t.HostName}
	if opts.DNSServer != "" {
		argv = append(argv, opts.DNSServer)
	}
	return []model.CommandSpec{command(argv...)}, nil
}

// AnalyzeOutput understands the lines
//
//	www.example.com has address 192.0.2.1
//	www.example.com has IPv6 address 2001:db8::1
//	www.example.com is an alias for web.example.com.
//	example.com mail is handled by 10 mx.example.com.
func (dnsHost) AnalyzeOutput(out model.Output) ([]model.Event, error) {
	var events []model.Event
	sc := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		switch {
		case len(fields) == 4 && fields[1] == "has" && fields[2] == "address",
			len(fields) == 5 && fields[1] == "has" && fields[2] == "IPv6" && fields[3] == "address":
			addr, err := netip.ParseAddr(fields[len(fields)-1])
			if err != nil {
				continue
			}
			events = append(events, model.HostNameEvent{Name: fields[0], Address: addr})
		case len(fields) == 6 && strings.Join(fields[1:5], " ") == "is an alias for":
			events = append(events, model.HostNameEvent{Name: fields[0]})
			events = append(events, model.HostNameEvent{Name: fields[5]})
		case len(fields) == 7 && strings.Join(fields[1:5], " ") == "mail is handled by":
			if fields[6] != "." {
				events = append(events, model.HostNameEvent{Name: fields[6]})
			}
		}
	}
	return events, sc.Err()
}

// whoisDomain queries whois for registered domains only, sub domains are skipped
type whoisDomain struct{}

func (whoisDomain) BuildCommands(t model.Target, opts model.Options) ([]model.CommandSpec, error) {
	registered, err := publicsuffix.EffectiveTLDPlusOne(t.HostName)
	if err != nil || registered != t.HostName {
		return nil, nil
	}
	return []model.CommandSpec{command(opts.Tool("whois"), t.HostName)}, nil
}

// AnalyzeOutput extracts the name servers
func (whoisDomain) AnalyzeOutput(out model.Output) ([]model.Event, error) {
	var events []model.Event
	seen := map[string]struct{}{}
	sc := bufio.NewScanner(bytes.NewReader(out.Stdout))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "name server") {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(value))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		events = append(events, model.HostNameEvent{Name: name})
	}
	return events, sc.Err()
}
