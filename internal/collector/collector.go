// Package collector contains the built-in collectors. A collector turns a
// resolved target into tool invocations and extracts catalogue enrichments
// from what the tool printed.
package collector

import (
	"net"
	"net/url"
	"strconv"

	"github.com/kaliintelsuite/kiscollect/internal/model"
	"github.com/kaliintelsuite/kiscollect/internal/registry"
)

// Priorities of the built-in collectors, lower runs first. Collectors that
// discover services run before the ones working on them.
const (
	PriorityDiscovery = 100
	PriorityDNS       = 150
	PriorityWhois     = 160
	PriorityService   = 200
	PriorityBrute     = 400
	PriorityHTTP      = 500
)

// Descriptors returns the built-in collectors
func Descriptors() []registry.Descriptor {
	return []registry.Descriptor{
		{
			Name:        "tcpnmap",
			Description: "nmap TCP scan of the top 1000 ports of in-scope networks",
			Level:       model.LevelNetwork,
			Priority:    PriorityDiscovery,
			Capability:  tcpNmap{},
		},
		{
			Name:        "dnshostpublic",
			Description: "resolve in-scope host names with host",
			Level:       model.LevelDomain,
			Priority:    PriorityDNS,
			Capability:  dnsHost{},
		},
		{
			Name:        "whoisdomain",
			Description: "whois lookup of registered domains",
			Level:       model.LevelDomain,
			Priority:    PriorityWhois,
			Capability:  whoisDomain{},
		},
		{
			Name:        "sshnmap",
			Description: "nmap ssh scripts against SSH services",
			Level:       model.LevelService,
			Matchers:    []registry.Matcher{registry.Port("tcp", 22), registry.NmapName("ssh")},
			Priority:    PriorityService,
			Capability:  nmapScripts{scripts: []string{"ssh2-enum-algos", "ssh-hostkey", "ssh-auth-methods"}},
		},
		{
			Name:        "tlsnmap",
			Description: "nmap TLS scripts against TLS services",
			Level:       model.LevelService,
			Matchers: []registry.Matcher{
				registry.Port("tcp", 443),
				registry.NmapName("ssl/http"),
				registry.NmapName("https"),
				registry.NmapName("ssl/https-alt"),
			},
			Priority:   PriorityService,
			Capability: nmapScripts{scripts: []string{"ssl-enum-ciphers", "ssl-cert"}},
		},
		{
			Name:        "ftphydra",
			Description: "hydra credential check against FTP services",
			Level:       model.LevelService,
			Matchers:    []registry.Matcher{registry.Port("tcp", 21), registry.NmapName("ftp")},
			Priority:    PriorityBrute,
			Capability:  hydra{module: "ftp"},
		},
		{
			Name:        "httpnikto",
			Description: "nikto web server scan",
			Level:       model.LevelService,
			Matchers:    httpMatchers,
			Priority:    PriorityHTTP,
			Vhost:       true,
			Capability:  nikto{},
		},
		{
			Name:        "httpgobuster",
			Description: "gobuster directory enumeration, one command per wordlist",
			Level:       model.LevelService,
			Matchers:    httpMatchers,
			Priority:    PriorityHTTP + 10,
			Vhost:       true,
			Capability:  gobuster{},
		},
	}
}

// Default returns the registry of the built-in collectors
func Default() (*registry.Registry, error) {
	return registry.New(Descriptors()...)
}

var httpMatchers = []registry.Matcher{
	registry.Port("tcp", 80),
	registry.Port("tcp", 443),
	registry.Port("tcp", 8080),
	registry.Port("tcp", 8443),
	registry.NmapName("http"),
	registry.NmapName("ssl/http"),
	registry.NmapName("https"),
	registry.NmapName("http-alt"),
	registry.NmapName("http-proxy"),
}

func command(argv ...string) model.CommandSpec {
	return model.CommandSpec{Argv: argv}
}

// serviceURL returns the URL of a web service target. Virtual hosts are
// addressed by name.
func serviceURL(t model.Target) string {
	scheme := "http"
	if t.Service != nil && (t.Service.Name == "https" || t.Service.Port == 443 || t.Service.Port == 8443) {
		scheme = "https"
	}
	port := 0
	if t.Service != nil {
		port = int(t.Service.Port)
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(t.Host(), strconv.Itoa(port)),
		Path:   "/",
	}
	return u.String()
}
