package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestValidate(t *testing.T) {
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config should validate: %v", err)
	}
	if err := (Config{Enabled: true}).Validate(); err == nil {
		t.Fatalf("enabled config without credentials should fail")
	}
	if err := (Config{Enabled: true, Tokens: []string{"t"}}).Validate(); err != nil {
		t.Fatalf("token config should validate: %v", err)
	}
	if err := (Config{Enabled: true, Username: "op", Password: "pw"}).Validate(); err != nil {
		t.Fatalf("basic config should validate: %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	cfg := Config{Enabled: true, Username: "op", Password: "pw", Tokens: []string{"secret-token"}}

	cases := []struct {
		name  string
		setup func(*http.Request)
		ok    bool
	}{
		{"no credentials", func(r *http.Request) {}, false},
		{"good basic", func(r *http.Request) { r.SetBasicAuth("op", "pw") }, true},
		{"bad password", func(r *http.Request) { r.SetBasicAuth("op", "nope") }, false},
		{"good bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-token") }, true},
		{"bad bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer forged") }, false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		tc.setup(req)
		err := cfg.Authenticate(req)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
	}
}

func TestDisabledPassesThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	if err := (Config{}).Authenticate(req); err != nil {
		t.Fatalf("disabled auth must pass: %v", err)
	}
}

func TestGinAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := Config{Enabled: true, Tokens: []string{"tok"}}
	r := gin.New()
	r.Use(cfg.GinAuth())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated code = %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("missing challenge header")
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer tok")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated code = %d", w.Code)
	}
}
