package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/soaringjerry/Renova/internal/oracle"
)

const maxCallbackBody = 1 << 20

// RequireSignature rejects requests whose body does not match the
// X-Signature HMAC for secret. An empty secret disables the check.
func RequireSignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody+1))
			if err != nil {
				http.Error(w, "read body", http.StatusBadRequest)
				return
			}
			if len(body) > maxCallbackBody {
				http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
				return
			}
			if !oracle.VerifySignature(secret, body, r.Header.Get(oracle.SignatureHeader)) {
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
