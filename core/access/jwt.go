package access

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/tarn-io/tarn/core/logger"
	"github.com/tarn-io/tarn/core/registry"
)

// jwtCookie is the cookie accepted as an alternative to the Authorization
// header, for the benefit of simple frontend development.
const jwtCookie = "Tarn-JWT"

// JWTMiddlewareBuilder is a helper builder for NewJWTMiddleware.
type JWTMiddlewareBuilder struct {
	// Secret enables HMAC validation with a shared secret.
	Secret []byte
	// PublicKeyDownloadURL enables RSA validation with a downloaded
	// kid-to-PEM-certificate map, for example google's securetoken map.
	PublicKeyDownloadURL string
	// Registry caches downloaded public keys, so restarts do not hammer
	// the download URL. Optional; without it keys are fetched on startup
	// every time.
	Registry *registry.Registry
	// Issuer is the accepted issuer for the token. Optional.
	Issuer string
}

// NewJWTMiddleware returns a middleware handler validating JWT bearer
// tokens. Tokens are accepted as "Authorization: Bearer" header or as a
// Tarn-JWT cookie. A valid token puts an Authorization built from the
// "roles" claim and the token subject into the request context; requests
// without a token pass through anonymously; an invalid token ends the
// request with 401.
func NewJWTMiddleware(b *JWTMiddlewareBuilder) mux.MiddlewareFunc {
	keyfunc := b.keyfunc()

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}
			tokenString := bearerToken(r)
			if tokenString == "" {
				h.ServeHTTP(w, r)
				return
			}
			auth, err := validate(tokenString, keyfunc, b.Issuer)
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Debugln("reject bearer token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := ContextWithAuthorization(r.Context(), auth)
			ctx, _ = logger.ContextWithIdentity(ctx, auth.Identity)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewJWTAuthenticator returns the per-route flavor of the middleware for
// routables that authenticate selectively.
func NewJWTAuthenticator(b *JWTMiddlewareBuilder) Authenticator {
	keyfunc := b.keyfunc()
	return AuthenticatorFunc(func(r *http.Request) (*Authorization, error) {
		if auth := AuthorizationFromContext(r.Context()); auth != nil {
			return auth, nil
		}
		tokenString := bearerToken(r)
		if tokenString == "" {
			return nil, ErrUnauthorized
		}
		return validate(tokenString, keyfunc, b.Issuer)
	})
}

func (b *JWTMiddlewareBuilder) keyfunc() jwt.Keyfunc {
	if len(b.Secret) > 0 {
		secret := b.Secret
		return func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return secret, nil
		}
	}
	keys := b.downloadKeys()
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("have %d well known keys, but not %q", len(keys), kid)
		}
		return key, nil
	}
}

// downloadKeys fetches the well-known certificate map and parses the public
// keys. The raw map is cached in the registry for six hours.
func (b *JWTMiddlewareBuilder) downloadKeys() map[string]any {
	rlog := logger.Default()
	var certificates map[string]string

	var cache registry.Accessor
	if b.Registry != nil {
		cache = b.Registry.Accessor("_jwt_")
		timestamp, err := cache.Read(b.PublicKeyDownloadURL, &certificates)
		if err == nil && time.Since(timestamp) < 6*time.Hour && len(certificates) > 0 {
			return parseCertificates(certificates)
		}
	}

	res, err := http.Get(b.PublicKeyDownloadURL)
	if err != nil {
		rlog.WithError(err).Errorln("cannot download public keys")
		return map[string]any{}
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(&certificates); err != nil {
		rlog.WithError(err).Errorln("cannot decode public keys")
		return map[string]any{}
	}
	if b.Registry != nil {
		if err := cache.Write(b.PublicKeyDownloadURL, certificates); err != nil {
			rlog.WithError(err).Warningln("cannot cache public keys")
		}
	}
	return parseCertificates(certificates)
}

func parseCertificates(certificates map[string]string) map[string]any {
	keys := map[string]any{}
	for kid, cert := range certificates {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
		if err != nil {
			logger.Default().WithError(err).Errorln("certificate error for kid", kid)
			continue
		}
		keys[kid] = key
	}
	return keys
}

func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) >= 8 && strings.EqualFold(bearer[:7], "bearer ") {
		return bearer[7:]
	}
	if cookie, err := r.Cookie(jwtCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func validate(tokenString string, keyfunc jwt.Keyfunc, issuer string) (*Authorization, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyfunc)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrUnauthorized
	}
	if issuer != "" && !claims.VerifyIssuer(issuer, true) {
		return nil, fmt.Errorf("access: unexpected issuer")
	}
	auth := &Authorization{}
	if sub, ok := claims["sub"].(string); ok {
		auth.Identity = sub
	}
	if roles, ok := claims["roles"].([]any); ok {
		for _, role := range roles {
			if s, ok := role.(string); ok {
				auth.Roles = append(auth.Roles, s)
			}
		}
	}
	return auth, nil
}
