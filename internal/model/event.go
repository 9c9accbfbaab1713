package model

import "net/netip"

// Event is an enrichment produced by a collector analyzer. The catalogue
// applies events to the workspace the command ran in.
type Event interface {
	event()
}

// HostEvent reports a live address
type HostEvent struct {
	Address netip.Addr
}

// ServiceEvent reports a port on an address
type ServiceEvent struct {
	Address  netip.Addr
	Protocol string
	Port     uint16
	State    string
	Name     string
	NmapName string
}

// HostNameEvent reports a host name, optionally resolving to Address
type HostNameEvent struct {
	Name    string
	Address netip.Addr
}

// CredentialEvent reports a valid credential for a service
type CredentialEvent struct {
	Address  netip.Addr
	Protocol string
	Port     uint16
	Username string
	Password string
}

func (HostEvent) event()       {}
func (ServiceEvent) event()    {}
func (HostNameEvent) event()   {}
func (CredentialEvent) event() {}
