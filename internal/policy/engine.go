// Package policy implements the PolicyEngine described in spec §4.5: it
// evaluates a (host, client IP) pair against a snapshot of active block
// rules and returns Allow or Block(reason).
package policy

import (
	"context"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/proxyforge/interceptproxy/internal/model"
	"github.com/proxyforge/interceptproxy/internal/rules"
)

// Decision is the outcome of Engine.Evaluate.
type Decision struct {
	Blocked bool
	Reason  string
}

// Allow is the zero-value non-blocking Decision.
var Allow = Decision{}

func block(reason string) Decision {
	return Decision{Blocked: true, Reason: reason}
}

// Engine evaluates requests against a Store's active rules. It is safe for
// concurrent use: ListActive is called fresh on every Evaluate, which
// satisfies spec §9's "query per call" reading of the snapshot requirement
// (the Store implementations themselves hold the consistent view — gorm
// reads commit a row set, FileStore reads a lock-protected map).
type Engine struct {
	store rules.Store
	log   *zap.Logger
}

// New constructs an Engine over store.
func New(store rules.Store, log *zap.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// Evaluate implements spec §4.5's algorithm: snapshot active rules, then
// for each rule (in store iteration order) test the lower-cased host for a
// substring match, dispatching on scope. The first matching rule wins;
// callers must not depend on a specific iteration order across scopes.
func (e *Engine) Evaluate(ctx context.Context, host, clientIP string) (Decision, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("list active rules: %w", err)
	}

	hostLower := strings.ToLower(host)
	ip := net.ParseIP(clientIP)

	for _, r := range active {
		if !strings.Contains(hostLower, strings.ToLower(r.Pattern)) {
			continue
		}

		switch r.Scope {
		case model.ScopeGlobal:
			return block(fmt.Sprintf("Blocked globally: %s", r.Pattern)), nil
		case model.ScopeSubnet:
			if ip == nil || r.Subnet == "" {
				continue
			}
			_, cidr, err := net.ParseCIDR(r.Subnet)
			if err != nil {
				e.log.Warn("rule has unparseable subnet", zap.String("rule_id", r.ID), zap.String("subnet", r.Subnet))
				continue
			}
			if cidr.Contains(ip) {
				return block(fmt.Sprintf("Blocked for subnet %s: %s", r.Subnet, r.Pattern)), nil
			}
		}
	}

	return Allow, nil
}
