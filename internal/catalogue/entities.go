package catalogue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

// querier is implemented by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// HostService is a service together with the host it runs on
type HostService struct {
	Host    model.Host
	Service model.Service
}

// DomainHostName is a host name with its registered domain and the
// addresses it resolves to
type DomainHostName struct {
	Domain    model.Domain
	HostName  model.HostName
	Addresses []netip.Addr
}

// Credential is a credential found for a service
type Credential struct {
	Address  netip.Addr
	Protocol string
	Port     uint16
	Username string
	Password string
}

// AddNetwork stores a network, an existing one gets the new scope
func (db *DB) AddNetwork(ctx context.Context, workspace int64, prefix netip.Prefix, scope model.Scope) (model.Network, error) {
	n := model.Network{WorkspaceID: workspace, Prefix: prefix.Masked(), Scope: scope}
	err := db.QueryRowContext(ctx,
		`INSERT INTO network (workspace_id, prefix, scope) VALUES (?, ?, ?)
		 ON CONFLICT(workspace_id, prefix) DO UPDATE SET scope=excluded.scope
		 RETURNING id`,
		workspace, n.Prefix.String(), string(scope),
	).Scan(&n.ID)
	if err != nil {
		return model.Network{}, fmt.Errorf("add network %s: %w", prefix, err)
	}
	return n, nil
}

// AddHost stores an address with an explicit scope
func (db *DB) AddHost(ctx context.Context, workspace int64, addr netip.Addr, scope model.Scope) (model.Host, error) {
	h := model.Host{WorkspaceID: workspace, Address: addr.Unmap(), Scope: scope}
	err := db.QueryRowContext(ctx,
		`INSERT INTO host (workspace_id, address, scope) VALUES (?, ?, ?)
		 ON CONFLICT(workspace_id, address) DO UPDATE SET scope=excluded.scope
		 RETURNING id`,
		workspace, h.Address.String(), string(scope),
	).Scan(&h.ID)
	if err != nil {
		return model.Host{}, fmt.Errorf("add host %s: %w", addr, err)
	}
	return h, nil
}

func (db *DB) AddService(ctx context.Context, hostID int64, svc model.Service) (model.Service, error) {
	return upsertService(ctx, db, hostID, svc)
}

// AddDomain stores a registered domain. The domain name itself becomes an in
// scope host name unless the domain is outside the scope.
func (db *DB) AddDomain(ctx context.Context, workspace int64, name string, scope model.Scope) (model.Domain, error) {
	d := model.Domain{WorkspaceID: workspace, Name: normalizeName(name), Scope: scope}
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO domain (workspace_id, name, scope) VALUES (?, ?, ?)
			 ON CONFLICT(workspace_id, name) DO UPDATE SET scope=excluded.scope
			 RETURNING id`,
			workspace, d.Name, string(scope),
		).Scan(&d.ID)
		if err != nil {
			return fmt.Errorf("add domain %s: %w", name, err)
		}
		hnScope := model.ScopeWithin
		if scope == model.ScopeOutside {
			hnScope = model.ScopeOutside
		}
		_, err = upsertHostName(ctx, tx, d.ID, d.Name, hnScope, true)
		return err
	})
	if err != nil {
		return model.Domain{}, err
	}
	return d, nil
}

// AddHostName stores a host name with an explicit scope and links it to addrs
func (db *DB) AddHostName(ctx context.Context, workspace int64, name string, scope model.Scope, addrs ...netip.Addr) (model.HostName, error) {
	var hn model.HostName
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		hn, err = ensureHostName(ctx, tx, workspace, name, &scope)
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			hostID, err := ensureHost(ctx, tx, workspace, addr)
			if err != nil {
				return err
			}
			if err := linkHostName(ctx, tx, hostID, hn.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.HostName{}, err
	}
	return hn, nil
}

func (db *DB) Networks(ctx context.Context, workspace int64) ([]model.Network, error) {
	return networks(ctx, db, workspace)
}

func networks(ctx context.Context, q querier, workspace int64) ([]model.Network, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, prefix, scope FROM network WHERE workspace_id = ? ORDER BY id`, workspace)
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	defer rows.Close()

	var ret []model.Network
	for rows.Next() {
		n := model.Network{WorkspaceID: workspace}
		var prefix, scope string
		if err := rows.Scan(&n.ID, &prefix, &scope); err != nil {
			return nil, fmt.Errorf("scan network: %w", err)
		}
		if n.Prefix, err = netip.ParsePrefix(prefix); err != nil {
			return nil, fmt.Errorf("network %d: %w", n.ID, err)
		}
		n.Scope = model.Scope(scope)
		ret = append(ret, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	return ret, nil
}

func (db *DB) Hosts(ctx context.Context, workspace int64) ([]model.Host, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, address, scope FROM host WHERE workspace_id = ? ORDER BY id`, workspace)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var ret []model.Host
	for rows.Next() {
		h := model.Host{WorkspaceID: workspace}
		var addr, scope string
		if err := rows.Scan(&h.ID, &addr, &scope); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		if h.Address, err = netip.ParseAddr(addr); err != nil {
			return nil, fmt.Errorf("host %d: %w", h.ID, err)
		}
		h.Scope = model.Scope(scope)
		ret = append(ret, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return ret, nil
}

func (db *DB) Services(ctx context.Context, workspace int64) ([]HostService, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT h.id, h.address, h.scope, s.id, s.protocol, s.port, s.state, s.name, s.nmap_name
		 FROM service s JOIN host h ON h.id = s.host_id
		 WHERE h.workspace_id = ?
		 ORDER BY h.id, s.protocol, s.port`, workspace)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var ret []HostService
	for rows.Next() {
		var hs HostService
		var addr, scope string
		if err := rows.Scan(&hs.Host.ID, &addr, &scope, &hs.Service.ID, &hs.Service.Protocol,
			&hs.Service.Port, &hs.Service.State, &hs.Service.Name, &hs.Service.NmapName); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		if hs.Host.Address, err = netip.ParseAddr(addr); err != nil {
			return nil, fmt.Errorf("host %d: %w", hs.Host.ID, err)
		}
		hs.Host.WorkspaceID = workspace
		hs.Host.Scope = model.Scope(scope)
		hs.Service.HostID = hs.Host.ID
		ret = append(ret, hs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return ret, nil
}

func (db *DB) HostNames(ctx context.Context, workspace int64) ([]DomainHostName, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT d.id, d.name, d.scope, n.id, n.name, n.scope, COALESCE(h.address, '')
		 FROM host_name n
		 JOIN domain d ON d.id = n.domain_id
		 LEFT JOIN host_host_name hh ON hh.host_name_id = n.id
		 LEFT JOIN host h ON h.id = hh.host_id
		 WHERE d.workspace_id = ?
		 ORDER BY n.id, h.id`, workspace)
	if err != nil {
		return nil, fmt.Errorf("list host names: %w", err)
	}
	defer rows.Close()

	var ret []DomainHostName
	for rows.Next() {
		var (
			r                  DomainHostName
			dScope, nScope, ip string
		)
		if err := rows.Scan(&r.Domain.ID, &r.Domain.Name, &dScope, &r.HostName.ID, &r.HostName.Name, &nScope, &ip); err != nil {
			return nil, fmt.Errorf("scan host name: %w", err)
		}
		if n := len(ret); n > 0 && ret[n-1].HostName.ID == r.HostName.ID {
			r = ret[n-1]
			ret = ret[:n-1]
		} else {
			r.Domain.WorkspaceID = workspace
			r.Domain.Scope = model.Scope(dScope)
			r.HostName.DomainID = r.Domain.ID
			r.HostName.Scope = model.Scope(nScope)
		}
		if ip != "" {
			addr, err := netip.ParseAddr(ip)
			if err != nil {
				return nil, fmt.Errorf("host name %d: %w", r.HostName.ID, err)
			}
			r.Addresses = append(r.Addresses, addr)
		}
		ret = append(ret, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list host names: %w", err)
	}
	return ret, nil
}

func (db *DB) Credentials(ctx context.Context, workspace int64) ([]Credential, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT h.address, s.protocol, s.port, c.username, c.password
		 FROM credential c
		 JOIN service s ON s.id = c.service_id
		 JOIN host h ON h.id = s.host_id
		 WHERE h.workspace_id = ?
		 ORDER BY c.id`, workspace)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var ret []Credential
	for rows.Next() {
		var c Credential
		var addr string
		if err := rows.Scan(&addr, &c.Protocol, &c.Port, &c.Username, &c.Password); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if c.Address, err = netip.ParseAddr(addr); err != nil {
			return nil, err
		}
		ret = append(ret, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return ret, nil
}

// ensureHost returns the id of the host with addr. A new host inherits the
// scope of the most specific network containing it.
func ensureHost(ctx context.Context, q querier, workspace int64, addr netip.Addr) (int64, error) {
	if !addr.IsValid() {
		return 0, errors.New("host without address")
	}
	addr = addr.Unmap()
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM host WHERE workspace_id = ? AND address = ?`, workspace, addr.String(),
	).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("get host %s: %w", addr, err)
	}

	nets, err := networks(ctx, q, workspace)
	if err != nil {
		return 0, err
	}
	scope := model.ScopeOutside
	bits := -1
	for _, n := range nets {
		if n.Prefix.Contains(addr) && n.Prefix.Bits() > bits {
			bits = n.Prefix.Bits()
			scope = n.Scope.Member()
		}
	}

	err = q.QueryRowContext(ctx,
		`INSERT INTO host (workspace_id, address, scope) VALUES (?, ?, ?) RETURNING id`,
		workspace, addr.String(), string(scope),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert host %s: %w", addr, err)
	}
	return id, nil
}

func upsertService(ctx context.Context, q querier, hostID int64, svc model.Service) (model.Service, error) {
	out := svc
	out.HostID = hostID
	out.Protocol = strings.ToLower(svc.Protocol)
	if out.Name == "" {
		out.Name = ServiceName(svc.NmapName)
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO service (host_id, protocol, port, state, name, nmap_name)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(host_id, protocol, port) DO UPDATE SET
		   state=excluded.state,
		   name=CASE WHEN excluded.name <> '' THEN excluded.name ELSE service.name END,
		   nmap_name=CASE WHEN excluded.nmap_name <> '' THEN excluded.nmap_name ELSE service.nmap_name END
		 RETURNING id, name, nmap_name`,
		hostID, out.Protocol, out.Port, out.State, out.Name, out.NmapName,
	).Scan(&out.ID, &out.Name, &out.NmapName)
	if err != nil {
		return model.Service{}, fmt.Errorf("upsert service %s: %w", svc, err)
	}
	return out, nil
}

// ServiceName maps an nmap service name to the catalogue one, TLS wrapped
// HTTP becomes https
func ServiceName(nmapName string) string {
	name := strings.ToLower(strings.TrimSpace(nmapName))
	switch name {
	case "ssl/http", "https-alt":
		return "https"
	case "http-alt", "http-proxy":
		return "http"
	}
	return strings.TrimPrefix(name, "ssl/")
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

func linkHostName(ctx context.Context, q querier, hostID, hostNameID int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO host_host_name (host_id, host_name_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		hostID, hostNameID)
	if err != nil {
		return fmt.Errorf("link host name: %w", err)
	}
	return nil
}

func upsertHostName(ctx context.Context, q querier, domainID int64, name string, scope model.Scope, override bool) (model.HostName, error) {
	hn := model.HostName{DomainID: domainID, Name: name}
	stmt := `INSERT INTO host_name (domain_id, name, scope) VALUES (?, ?, ?)
		 ON CONFLICT(domain_id, name) DO UPDATE SET name=excluded.name
		 RETURNING id, scope`
	if override {
		stmt = `INSERT INTO host_name (domain_id, name, scope) VALUES (?, ?, ?)
		 ON CONFLICT(domain_id, name) DO UPDATE SET scope=excluded.scope
		 RETURNING id, scope`
	}
	var s string
	if err := q.QueryRowContext(ctx, stmt, domainID, name, string(scope)).Scan(&hn.ID, &s); err != nil {
		return model.HostName{}, fmt.Errorf("upsert host name %s: %w", name, err)
	}
	hn.Scope = model.Scope(s)
	return hn, nil
}
