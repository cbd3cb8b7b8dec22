// Package middleware содержит HTTP middleware локального API кассы.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const cashierIDKey contextKey = "cashierID"

const (
	authCookieName = "register_session"
	authCookieTTL  = 12 * time.Hour
)

// AuthMiddleware проверяет, что запрос пришёл от вошедшего кассира, по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware с указанным секретным ключом.
// Пустой секрет заменяется случайным: cookie перестают действовать после перезапуска.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie и добавляет идентификатор кассира в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		cashierID, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), cashierIDKey, cashierID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie смены для кассира.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, cashierID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    cashierID + "." + a.sign(cashierID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearAuthCookie завершает смену кассира.
func (a *AuthMiddleware) ClearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *AuthMiddleware) sign(cashierID string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(cashierID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(value string) (string, bool) {
	// идентификатор кассира может содержать точку, подпись - нет
	i := strings.LastIndexByte(value, '.')
	if i <= 0 {
		return "", false
	}
	cashierID, signature := value[:i], value[i+1:]

	if !hmac.Equal([]byte(signature), []byte(a.sign(cashierID))) {
		return "", false
	}
	return cashierID, true
}

// GetCashierIDFromContext извлекает идентификатор кассира из контекста запроса.
func GetCashierIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(cashierIDKey).(string)
	return id, ok && id != ""
}

// WithCashierID кладёт идентификатор кассира в контекст.
func WithCashierID(ctx context.Context, cashierID string) context.Context {
	return context.WithValue(ctx, cashierIDKey, cashierID)
}
