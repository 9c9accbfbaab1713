package catalogue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/net/publicsuffix"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

// Apply stores the events reported by a collector analyzer in one
// transaction. New entries never widen the scope: they inherit it from the
// containing network or domain and are outside otherwise.
func (db *DB) Apply(ctx context.Context, workspace int64, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			if err := apply(ctx, tx, workspace, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func apply(ctx context.Context, q querier, workspace int64, e model.Event) error {
	switch e := e.(type) {
	case model.HostEvent:
		_, err := ensureHost(ctx, q, workspace, e.Address)
		return err
	case model.ServiceEvent:
		hostID, err := ensureHost(ctx, q, workspace, e.Address)
		if err != nil {
			return err
		}
		_, err = upsertService(ctx, q, hostID, model.Service{
			Protocol: e.Protocol,
			Port:     e.Port,
			State:    e.State,
			Name:     e.Name,
			NmapName: e.NmapName,
		})
		return err
	case model.HostNameEvent:
		hn, err := ensureHostName(ctx, q, workspace, e.Name, nil)
		if errors.Is(err, ErrInvalidName) {
			slog.DebugContext(ctx, "host name ignored", "name", e.Name, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		if !e.Address.IsValid() {
			return nil
		}
		hostID, err := ensureHost(ctx, q, workspace, e.Address)
		if err != nil {
			return err
		}
		return linkHostName(ctx, q, hostID, hn.ID)
	case model.CredentialEvent:
		hostID, err := ensureHost(ctx, q, workspace, e.Address)
		if err != nil {
			return err
		}
		var serviceID int64
		err = q.QueryRowContext(ctx,
			`INSERT INTO service (host_id, protocol, port, state) VALUES (?, ?, ?, ?)
			 ON CONFLICT(host_id, protocol, port) DO UPDATE SET port=excluded.port
			 RETURNING id`,
			hostID, e.Protocol, e.Port, model.StateOpen,
		).Scan(&serviceID)
		if err != nil {
			return fmt.Errorf("credential service: %w", err)
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO credential (service_id, username, password) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			serviceID, e.Username, e.Password)
		if err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported event %T", e)
	}
}

// ensureHostName stores name under its registered domain. An unknown
// registered domain is stored outside the scope. With a nil scope a new host
// name inherits it from the domain, an existing one is kept as is.
func ensureHostName(ctx context.Context, q querier, workspace int64, name string, scope *model.Scope) (model.HostName, error) {
	name = normalizeName(name)
	registered, err := RegisteredDomain(name)
	if err != nil {
		return model.HostName{}, err
	}

	var (
		domainID    int64
		domainScope string
	)
	err = q.QueryRowContext(ctx,
		`SELECT id, scope FROM domain WHERE workspace_id = ? AND name = ?`, workspace, registered,
	).Scan(&domainID, &domainScope)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		domainScope = string(model.ScopeOutside)
		err = q.QueryRowContext(ctx,
			`INSERT INTO domain (workspace_id, name, scope) VALUES (?, ?, ?) RETURNING id`,
			workspace, registered, domainScope,
		).Scan(&domainID)
		if err != nil {
			return model.HostName{}, fmt.Errorf("insert domain %s: %w", registered, err)
		}
	case err != nil:
		return model.HostName{}, fmt.Errorf("get domain %s: %w", registered, err)
	}

	if scope != nil {
		return upsertHostName(ctx, q, domainID, name, *scope, true)
	}
	return upsertHostName(ctx, q, domainID, name, model.Scope(domainScope).Member(), false)
}

// RegisteredDomain returns the public suffix plus one label of name,
// e.g. example.co.uk for www.example.co.uk
func RegisteredDomain(name string) (string, error) {
	name = normalizeName(name)
	if _, err := netip.ParseAddr(name); err == nil {
		return "", fmt.Errorf("%w: %q is an address", ErrInvalidName, name)
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		return "", fmt.Errorf("%w: registered domain of %q: %v", ErrInvalidName, name, err)
	}
	return d, nil
}
