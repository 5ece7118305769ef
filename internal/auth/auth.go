// Package auth guards the admin API. The monitor is a single-operator tool,
// so this is deliberately small: one basic-auth credential and/or a set of
// bearer tokens, compared in constant time.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Config is the auth section of the admin config.
type Config struct {
	Enabled  bool     `toml:"enabled" mapstructure:"enabled"`
	Username string   `toml:"username" mapstructure:"username"`
	Password string   `toml:"password" mapstructure:"password"`
	Tokens   []string `toml:"tokens" mapstructure:"tokens"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Tokens) == 0 && (c.Username == "" || c.Password == "") {
		return errors.New("auth: enabled but no tokens or username/password configured")
	}
	return nil
}

// Authenticate checks a request against the configured credentials.
func (c Config) Authenticate(r *http.Request) error {
	if !c.Enabled {
		return nil
	}
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			for _, tok := range c.Tokens {
				if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(tok)) == 1 {
					return nil
				}
			}
			return ErrInvalidCredentials
		}
	}
	if user, pass, ok := r.BasicAuth(); ok && c.Username != "" {
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(c.Password)) == 1
		if userOK && passOK {
			return nil
		}
	}
	return ErrInvalidCredentials
}

// GinAuth returns the gin middleware enforcing the config. A disabled config
// passes everything through.
func (c Config) GinAuth() gin.HandlerFunc {
	return func(g *gin.Context) {
		if err := c.Authenticate(g.Request); err != nil {
			g.Header("WWW-Authenticate", `Basic realm="remold"`)
			g.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		g.Next()
	}
}
