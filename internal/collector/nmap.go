package collector

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

// tcpNmap discovers hosts and open TCP ports of a network
type tcpNmap struct{}

func (tcpNmap) BuildCommands(t model.Target, opts model.Options) ([]model.CommandSpec, error) {
	if !t.Network.IsValid() {
		return nil, fmt.Errorf("tcpnmap: target %s has no network", t)
	}
	argv := nmapArgs(opts, t.Network.Addr().Is6())
	argv = append(argv,
		"-sS",
		"-sV",
		"--top-ports", "1000",
		"--open",
		t.Network.String(),
	)
	return []model.CommandSpec{command(argv...)}, nil
}

func (tcpNmap) AnalyzeOutput(out model.Output) ([]model.Event, error) {
	return parseNmap(out.Stdout)
}

// nmapScripts runs service detection with NSE scripts against one service
type nmapScripts struct {
	scripts []string
}

func (n nmapScripts) BuildCommands(t model.Target, opts model.Options) ([]model.CommandSpec, error) {
	if t.Service == nil {
		return nil, fmt.Errorf("target %s has no service", t)
	}
	argv := nmapArgs(opts, t.Address.Is6())
	if t.Service.Protocol == "udp" {
		argv = append(argv, "-sU")
	}
	argv = append(argv,
		"-sV",
		"--script="+strings.Join(n.scripts, ","),
		"-p", strconv.Itoa(int(t.Service.Port)),
		t.Address.String(),
	)
	return []model.CommandSpec{command(argv...)}, nil
}

func (nmapScripts) AnalyzeOutput(out model.Output) ([]model.Event, error) {
	return parseNmap(out.Stdout)
}

// nmapArgs returns the common part of every nmap invocation. The XML report
// goes to stdout.
func nmapArgs(opts model.Options, ipv6 bool) []string {
	argv := []string{opts.Tool("nmap"), "-Pn", "-oX", "-"}
	if ipv6 {
		argv = append(argv, "-6")
	}
	if opts.DNSServer != "" {
		argv = append(argv, "--dns-servers", opts.DNSServer)
	}
	return argv
}

// parseNmap converts an nmap XML report into catalogue events: live hosts,
// their ports, reverse DNS names and names found in TLS certificates
func parseNmap(stdout []byte) ([]model.Event, error) {
	if len(bytes.TrimSpace(stdout)) == 0 {
		return nil, nil
	}
	run := &nmap.Run{}
	if err := nmap.Parse(stdout, run); err != nil {
		return nil, fmt.Errorf("parse nmap xml: %w", err)
	}

	var events []model.Event
	for _, host := range run.Hosts {
		if host.Status.State != "" && host.Status.State != "up" {
			continue
		}
		addr, ok := hostAddress(host)
		if !ok {
			continue
		}
		events = append(events, model.HostEvent{Address: addr})
		for _, hn := range host.Hostnames {
			events = append(events, model.HostNameEvent{Name: hn.Name, Address: addr})
		}
		for _, port := range host.Ports {
			events = append(events, model.ServiceEvent{
				Address:  addr,
				Protocol: strings.ToLower(port.Protocol),
				Port:     port.ID,
				State:    port.State.State,
				NmapName: serviceName(port.Service),
			})
			for _, s := range port.Scripts {
				if s.ID != "ssl-cert" {
					continue
				}
				for _, name := range certificateNames(s.Output) {
					events = append(events, model.HostNameEvent{Name: name})
				}
			}
		}
	}
	return events, nil
}

func hostAddress(host nmap.Host) (netip.Addr, bool) {
	for _, a := range host.Addresses {
		if a.AddrType != "ipv4" && a.AddrType != "ipv6" {
			continue
		}
		addr, err := netip.ParseAddr(a.Addr)
		if err != nil {
			continue
		}
		return addr, true
	}
	return netip.Addr{}, false
}

// serviceName renders the name the way nmap prints it, e.g. ssl/http
func serviceName(s nmap.Service) string {
	if s.Name == "" {
		return ""
	}
	if s.Tunnel == "ssl" {
		return "ssl/" + s.Name
	}
	return s.Name
}

// certificateNames returns the DNS names of the ssl-cert script output
//
//	Subject: commonName=www.example.com
//	Subject Alternative Name: DNS:www.example.com, DNS:example.com
func certificateNames(output string) []string {
	var names []string
	seen := map[string]struct{}{}
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || strings.HasPrefix(name, "*") {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Subject Alternative Name:"):
			for _, entry := range strings.Split(strings.TrimPrefix(line, "Subject Alternative Name:"), ",") {
				if name, ok := strings.CutPrefix(strings.TrimSpace(entry), "DNS:"); ok {
					add(name)
				}
			}
		case strings.HasPrefix(line, "Subject:"):
			for _, rdn := range strings.Split(strings.TrimPrefix(line, "Subject:"), "/") {
				if cn, ok := strings.CutPrefix(strings.TrimSpace(rdn), "commonName="); ok {
					add(cn)
				}
			}
		}
	}
	return names
}
