package model

import (
	"fmt"
	"net/netip"
	"strconv"
)

// Level is the kind of catalogue entry a collector works on.
// The same values tag the Target variant.
type Level string

const (
	LevelAddress Level = "address"
	LevelNetwork Level = "network"
	LevelService Level = "service"
	LevelDomain  Level = "domain"
)

func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelAddress, LevelNetwork, LevelService, LevelDomain:
		return l, nil
	default:
		return "", fmt.Errorf("unknown level %q", s)
	}
}

// Scope of a catalogue entry. Networks and domains use all/strict/outside,
// hosts and host names use within/outside.
type Scope string

const (
	ScopeWithin  Scope = "within"
	ScopeOutside Scope = "outside"
	ScopeStrict  Scope = "strict"
	ScopeAll     Scope = "all"
)

// Member returns the scope a newly discovered entry inherits from its container
func (s Scope) Member() Scope {
	if s == ScopeAll {
		return ScopeWithin
	}
	return ScopeOutside
}

// Port states as reported by nmap
const (
	StateOpen         = "open"
	StateOpenFiltered = "open|filtered"
	StateClosed       = "closed"
	StateFiltered     = "filtered"
)

type VhostChoice string

const (
	VhostOff    VhostChoice = "off"
	VhostDomain VhostChoice = "domain"
	VhostAll    VhostChoice = "all"
)

func ParseVhost(s string) (VhostChoice, error) {
	switch v := VhostChoice(s); v {
	case "", VhostOff:
		return VhostOff, nil
	case VhostDomain, VhostAll:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q, expected off, domain or all", ErrInvalidVhost, s)
	}
}

type Workspace struct {
	ID   int64
	Name string
}

type Network struct {
	ID          int64
	WorkspaceID int64
	Prefix      netip.Prefix
	Scope       Scope
}

type Host struct {
	ID          int64
	WorkspaceID int64
	Address     netip.Addr
	Scope       Scope
}

type Service struct {
	ID       int64
	HostID   int64
	Protocol string // tcp or udp
	Port     uint16
	State    string
	Name     string // service name assigned by the catalogue
	NmapName string // service name reported by nmap, may be empty
}

func (s Service) String() string {
	return s.Protocol + "/" + strconv.Itoa(int(s.Port))
}

type Domain struct {
	ID          int64
	WorkspaceID int64
	Name        string // registered domain, e.g. example.com
	Scope       Scope
}

type HostName struct {
	ID       int64
	DomainID int64
	Name     string // fully qualified, e.g. www.example.com
	Scope    Scope
}

// Target is the unit a collector creates commands for. Kind selects
// which of the remaining fields are meaningful:
//
//	address: HostID, Address
//	network: NetworkID, Network
//	service: HostID, Address, Service, optional HostName for virtual hosts
//	domain:  HostNameID, HostName
type Target struct {
	Kind       Level        `json:"kind"`
	Workspace  int64        `json:"workspace"`
	Scope      Scope        `json:"scope"`
	NetworkID  int64        `json:"network_id,omitempty"`
	Network    netip.Prefix `json:"network,omitzero"`
	HostID     int64        `json:"host_id,omitempty"`
	Address    netip.Addr   `json:"address,omitzero"`
	Service    *Service     `json:"service,omitempty"`
	HostNameID int64        `json:"host_name_id,omitempty"`
	HostName   string       `json:"host_name,omitempty"`
}

// EntityID is the catalogue id of the entry the target was resolved from
func (t Target) EntityID() int64 {
	switch t.Kind {
	case LevelNetwork:
		return t.NetworkID
	case LevelAddress:
		return t.HostID
	case LevelService:
		if t.Service != nil {
			return t.Service.ID
		}
		return 0
	case LevelDomain:
		return t.HostNameID
	default:
		return 0
	}
}

// Host returns the name a tool should connect to: the virtual host if set,
// the address otherwise
func (t Target) Host() string {
	if t.HostName != "" {
		return t.HostName
	}
	if t.Address.IsValid() {
		return t.Address.String()
	}
	return ""
}

func (t Target) String() string {
	switch t.Kind {
	case LevelNetwork:
		return t.Network.String()
	case LevelService:
		if t.Service == nil {
			return t.Host()
		}
		return t.Host() + ":" + t.Service.String()
	default:
		return t.Host()
	}
}
