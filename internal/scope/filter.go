package scope

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

// Filter is the parsed --filter list. Tokens are addresses, networks or
// host names. Without any "+" token the list excludes its items. A single
// "+" token turns the whole list into the only items to process.
type Filter struct {
	include  bool
	prefixes []netip.Prefix
	names    []string
}

func ParseFilter(tokens []string) (Filter, error) {
	var f Filter
	for _, tok := range tokens {
		if strings.HasPrefix(strings.TrimSpace(tok), "+") {
			f.include = true
			break
		}
	}
	for _, tok := range tokens {
		tok = strings.TrimPrefix(strings.TrimSpace(tok), "+")
		if tok == "" {
			continue
		}
		if strings.Contains(tok, "/") {
			p, err := netip.ParsePrefix(tok)
			if err != nil {
				return Filter{}, fmt.Errorf("filter %q: %w", tok, err)
			}
			f.prefixes = append(f.prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(tok); err == nil {
			a = a.Unmap()
			f.prefixes = append(f.prefixes, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		f.names = append(f.names, strings.TrimSuffix(strings.ToLower(tok), "."))
	}
	return f, nil
}

func (f Filter) Empty() bool {
	return len(f.prefixes) == 0 && len(f.names) == 0
}

func (f Filter) Include() bool {
	return f.include
}

// Allows reports whether an entry with the given networks or addresses
// (as single address prefixes) and host names passes the filter
func (f Filter) Allows(prefixes []netip.Prefix, names []string) bool {
	if f.Empty() {
		return true
	}
	m := f.matches(prefixes, names)
	if f.include {
		return m
	}
	return !m
}

// Admits is Allows for catalogue entries with a scope. An entry outside the
// scope passes only an include filter covering it: a token naming the entry,
// one of its host names or a network containing it.
func (f Filter) Admits(scope model.Scope, prefixes []netip.Prefix, names []string) bool {
	if scope != model.ScopeOutside {
		return f.Allows(prefixes, names)
	}
	return f.include && f.covers(prefixes, names)
}

func (f Filter) covers(prefixes []netip.Prefix, names []string) bool {
	for _, p := range prefixes {
		for _, fp := range f.prefixes {
			if fp.Bits() <= p.Bits() && fp.Contains(p.Addr()) {
				return true
			}
		}
	}
	return f.matchesName(names)
}

func (f Filter) matches(prefixes []netip.Prefix, names []string) bool {
	for _, p := range prefixes {
		for _, fp := range f.prefixes {
			if fp.Overlaps(p) {
				return true
			}
		}
	}
	return f.matchesName(names)
}

func (f Filter) matchesName(names []string) bool {
	for _, n := range names {
		n = strings.ToLower(n)
		for _, fn := range f.names {
			if n == fn || strings.HasSuffix(n, "."+fn) {
				return true
			}
		}
	}
	return false
}

func addrPrefix(a netip.Addr) netip.Prefix {
	return netip.PrefixFrom(a, a.BitLen())
}
