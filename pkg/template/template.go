// Package template generates starter TOML configuration files so operators
// do not have to write one from scratch.
package template

import (
	"fmt"
	"strings"
)

// Type selects which starter configuration to generate.
type Type string

const (
	TypeMinimal       Type = "minimal"
	TypeBasic         Type = "basic"
	TypePool          Type = "pool"
	TypeServer        Type = "server"
	TypeObservability Type = "observability"
	TypeMetrics       Type = "metrics"
	TypeSecure        Type = "secure"
	TypeTLS           Type = "tls"
)

// Generator produces starter configs.
type Generator struct{}

// NewGenerator creates a new config template generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// SupportedTypes returns the canonical template type names.
func (g *Generator) SupportedTypes() []string {
	return []string{
		string(TypeMinimal),
		string(TypePool),
		string(TypeObservability),
		string(TypeSecure),
	}
}

// Generate returns the TOML text for the requested template type.
func (g *Generator) Generate(t Type, listen string) (string, error) {
	if listen == "" {
		listen = ":8090"
	}
	switch t {
	case TypeMinimal, TypeBasic:
		return g.minimal(listen), nil
	case TypePool, TypeServer:
		return g.pool(listen), nil
	case TypeObservability, TypeMetrics:
		return g.observability(listen), nil
	case TypeSecure, TypeTLS:
		return g.secure(listen), nil
	default:
		return "", fmt.Errorf("unknown template type: %s (supported: %s)",
			t, strings.Join(g.SupportedTypes(), ", "))
	}
}

func (g *Generator) minimal(listen string) string {
	return fmt.Sprintf(`listen = %q

[pool]
workers = 4
`, listen)
}

func (g *Generator) pool(listen string) string {
	return fmt.Sprintf(`listen = %q
use_os_env = true

[pool]
workers = 8
promote_threshold = 10000
promote_growth = 2.0
promote_timeout = "5s"
heartbeat_every = 64
heartbeat_interval = "1s"
shutdown_grace = "15s"

[admin]
listen = ":8091"

[log]
level = "info"
`, listen)
}

func (g *Generator) observability(listen string) string {
	return fmt.Sprintf(`listen = %q

[pool]
workers = 4
promote_threshold = 10000

[admin]
listen = ":8091"
metrics = true

[log]
dir = "/var/log/remold"
level = "info"

[store]
dsn = "sqlite:///var/lib/remold/events.db"

[history]
clickhouse_url = "http://localhost:8123"
table = "remold_lifecycle"
`, listen)
}

func (g *Generator) secure(listen string) string {
	return fmt.Sprintf(`listen = %q

[pool]
workers = 4

[admin]
listen = ":8091"
metrics = true

[admin.auth]
enabled = true
tokens = ["change-me"]

[admin.tls]
enabled = true
dir = "/var/lib/remold/tls"
auto_generate = true
common_name = "remold.internal"
`, listen)
}
