// Package scope resolves the targets a collector works on. It only reads
// the catalogue, scopes are never changed here.
package scope

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/netip"

	"github.com/kaliintelsuite/kiscollect/internal/catalogue"
	"github.com/kaliintelsuite/kiscollect/internal/model"
	"github.com/kaliintelsuite/kiscollect/internal/registry"
)

// Catalogue is the read side of *catalogue.DB used by the resolver
type Catalogue interface {
	Networks(ctx context.Context, workspace int64) ([]model.Network, error)
	Hosts(ctx context.Context, workspace int64) ([]model.Host, error)
	Services(ctx context.Context, workspace int64) ([]catalogue.HostService, error)
	HostNames(ctx context.Context, workspace int64) ([]catalogue.DomainHostName, error)
}

type Options struct {
	// Strict ignores services nmap reports as open|filtered
	Strict bool
	Vhost  model.VhostChoice
	// TLD allows virtual hosts equal to their registered domain
	TLD    bool
	Filter Filter
}

// NewOptions builds resolver options from the run options
func NewOptions(o model.Options) (Options, error) {
	vhost, err := model.ParseVhost(o.Vhost)
	if err != nil {
		return Options{}, err
	}
	filter, err := ParseFilter(o.Filter)
	if err != nil {
		return Options{}, err
	}
	return Options{Strict: o.Strict, Vhost: vhost, TLD: o.TLD, Filter: filter}, nil
}

type Resolver struct {
	cat Catalogue
}

func NewResolver(cat Catalogue) *Resolver {
	return &Resolver{cat: cat}
}

// Resolve returns the targets of collector d in a workspace. Entries outside
// the scope are never returned.
func (r *Resolver) Resolve(ctx context.Context, d registry.Descriptor, workspace int64, opts Options) iter.Seq2[model.Target, error] {
	return func(yield func(model.Target, error) bool) {
		var err error
		switch d.Level {
		case model.LevelNetwork:
			err = r.networks(ctx, workspace, opts, yield)
		case model.LevelAddress:
			err = r.addresses(ctx, workspace, opts, yield)
		case model.LevelService:
			err = r.services(ctx, d, workspace, opts, yield)
		case model.LevelDomain:
			err = r.domains(ctx, workspace, opts, yield)
		default:
			err = fmt.Errorf("collector %s: unsupported level %q", d.Name, d.Level)
		}
		if err != nil && !errors.Is(err, errStop) {
			yield(model.Target{}, err)
		}
	}
}

// errStop ends the iteration when the consumer stops
var errStop = errors.New("stop")

func emit(ctx context.Context, yield func(model.Target, error) bool, t model.Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !yield(t, nil) {
		return errStop
	}
	return nil
}

func (r *Resolver) networks(ctx context.Context, ws int64, opts Options, yield func(model.Target, error) bool) error {
	nets, err := r.cat.Networks(ctx, ws)
	if err != nil {
		return err
	}
	for _, n := range nets {
		if !opts.Filter.Admits(n.Scope, []netip.Prefix{n.Prefix}, nil) {
			continue
		}
		t := model.Target{Kind: model.LevelNetwork, Workspace: ws, Scope: n.Scope, NetworkID: n.ID, Network: n.Prefix}
		if err := emit(ctx, yield, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) addresses(ctx context.Context, ws int64, opts Options, yield func(model.Target, error) bool) error {
	hosts, err := r.cat.Hosts(ctx, ws)
	if err != nil {
		return err
	}
	idx, err := r.hostNames(ctx, ws)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		if !opts.Filter.Admits(h.Scope, []netip.Prefix{addrPrefix(h.Address)}, idx.names(h.Address)) {
			continue
		}
		t := model.Target{Kind: model.LevelAddress, Workspace: ws, Scope: h.Scope, HostID: h.ID, Address: h.Address}
		if err := emit(ctx, yield, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) services(ctx context.Context, d registry.Descriptor, ws int64, opts Options, yield func(model.Target, error) bool) error {
	services, err := r.cat.Services(ctx, ws)
	if err != nil {
		return err
	}
	idx, err := r.hostNames(ctx, ws)
	if err != nil {
		return err
	}

	withAddress := !d.Vhost || opts.Vhost != model.VhostDomain
	withNames := d.Vhost && (opts.Vhost == model.VhostDomain || opts.Vhost == model.VhostAll)

	for _, hs := range services {
		if !openState(hs.Service.State, opts.Strict) || !d.MatchesService(hs.Service) {
			continue
		}
		svc := hs.Service
		base := model.Target{
			Kind:      model.LevelService,
			Workspace: ws,
			Scope:     hs.Host.Scope,
			HostID:    hs.Host.ID,
			Address:   hs.Host.Address,
			Service:   &svc,
		}
		addr := []netip.Prefix{addrPrefix(hs.Host.Address)}

		if withAddress && opts.Filter.Admits(hs.Host.Scope, addr, idx.names(hs.Host.Address)) {
			if err := emit(ctx, yield, base); err != nil {
				return err
			}
		}
		if !withNames {
			continue
		}
		for _, hn := range idx.byAddr[hs.Host.Address] {
			// the registered domain itself, e.g. example.com
			if !opts.TLD && hn.HostName.Name == hn.Domain.Name {
				continue
			}
			if !opts.Filter.Admits(vhostScope(hs.Host.Scope, hn.HostName.Scope), addr, []string{hn.HostName.Name}) {
				continue
			}
			vt := base
			vt.HostNameID = hn.HostName.ID
			vt.HostName = hn.HostName.Name
			if err := emit(ctx, yield, vt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Resolver) domains(ctx context.Context, ws int64, opts Options, yield func(model.Target, error) bool) error {
	names, err := r.cat.HostNames(ctx, ws)
	if err != nil {
		return err
	}
	for _, hn := range names {
		prefixes := make([]netip.Prefix, 0, len(hn.Addresses))
		for _, a := range hn.Addresses {
			prefixes = append(prefixes, addrPrefix(a))
		}
		if !opts.Filter.Admits(hn.HostName.Scope, prefixes, []string{hn.HostName.Name}) {
			continue
		}
		t := model.Target{
			Kind:       model.LevelDomain,
			Workspace:  ws,
			Scope:      hn.HostName.Scope,
			HostNameID: hn.HostName.ID,
			HostName:   hn.HostName.Name,
		}
		if err := emit(ctx, yield, t); err != nil {
			return err
		}
	}
	return nil
}

// vhostScope is outside when either the address or the name is
func vhostScope(host, name model.Scope) model.Scope {
	if host == model.ScopeOutside {
		return host
	}
	return name
}

func openState(state string, strict bool) bool {
	if state == model.StateOpen {
		return true
	}
	return !strict && state == model.StateOpenFiltered
}

type nameIndex struct {
	byAddr map[netip.Addr][]catalogue.DomainHostName
}

func (r *Resolver) hostNames(ctx context.Context, ws int64) (nameIndex, error) {
	names, err := r.cat.HostNames(ctx, ws)
	if err != nil {
		return nameIndex{}, err
	}
	idx := nameIndex{byAddr: make(map[netip.Addr][]catalogue.DomainHostName)}
	for _, hn := range names {
		for _, a := range hn.Addresses {
			idx.byAddr[a] = append(idx.byAddr[a], hn)
		}
	}
	return idx, nil
}

func (idx nameIndex) names(a netip.Addr) []string {
	var ret []string
	for _, hn := range idx.byAddr[a] {
		ret = append(ret, hn.HostName.Name)
	}
	return ret
}
