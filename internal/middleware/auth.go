package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gcpool/internal/httputil"
)

// Ключ контекста с меткой допущенного клиента.
const BearerLabelKey = "bearer_label"

// Verifier проверяет ключ и возвращает метку клиента.
type Verifier func(token string) (label string, ok bool)

// AuthRequired пропускает запросы с Bearer-ключом, который принимает verify.
func AuthRequired(verify Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			httputil.RespondError(c, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		label, ok := verify(token)
		if !ok {
			httputil.RespondError(c, http.StatusUnauthorized, "Invalid bearer token")
			return
		}
		c.Set(BearerLabelKey, label)
		c.Next()
	}
}

// StaticKey возвращает Verifier для одного ключа, например ключа администратора.
func StaticKey(key, label string) Verifier {
	return func(token string) (string, bool) {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			return "", false
		}
		return label, true
	}
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
