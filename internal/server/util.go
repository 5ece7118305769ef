package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

func sanitizeBase(base string) string {
	b := strings.TrimSpace(base)
	if b == "" {
		return "/"
	}
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	if len(b) > 1 {
		b = strings.TrimRight(b, "/")
	}
	return b
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}
