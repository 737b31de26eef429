package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pa "github.com/parkwatch/relay/app"
)

type Auth struct {
	App    *pa.App
	Secret string
}

func NewMiddleware(app *pa.App, secret string) *Auth {
	return &Auth{
		App:    app,
		Secret: secret,
	}
}

//ServeHTTP resolves a caller bearer to a User and stores it on the request
//context. Unknown bearers pass through unresolved, device tokens share the
//Authorization header and are checked by the hardware handlers themselves;
//handlers that need a caller use UserFromRequest.
func (a Auth) ServeHTTP(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	auth_header := r.Header["Authorization"]

	if len(auth_header) > 0 && len(auth_header[0]) > 7 {
		bearer := auth_header[0][7:]

		user, err := a.CheckToken(bearer)
		if err == nil {
			ctx := context.WithValue(r.Context(), "user", user)
			next(w, r.WithContext(ctx))
			return
		}

		if a.App.Database != nil {
			user, err = a.CheckAccessKey(bearer)
			if err == nil {
				ctx := context.WithValue(r.Context(), "user", user)
				next(w, r.WithContext(ctx))
				return
			}
		}
	}

	next(w, r)

}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (a Auth) CheckToken(bearer string) (User, error) {
	if a.Secret == "" {
		return User{}, fmt.Errorf("no jwt secret configured")
	}

	var claims Claims

	token, err := jwt.ParseWithClaims(bearer, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.Secret), nil
	})
	if err != nil {
		return User{}, err
	}

	if !token.Valid {
		return User{}, fmt.Errorf("invalid token")
	}

	user := User{
		Email: claims.Subject,
		Role:  claims.Role,
	}

	if user.Email == "" {
		return User{}, fmt.Errorf("token carries no subject")
	}

	if user.Role == "" {
		user.Role = RoleDriver
	}

	return user, nil
}

func (a Auth) CheckAccessKey(bearer string) (User, error) {
	key := ApiKey{}

	err := a.App.Database.Get(&key, "SELECT * FROM api_keys WHERE token = ?", bearer)
	if err != nil {
		return User{}, err
	}

	if time.Now().After(key.ExpirationTime) {
		a.App.Logger.Error("API key expired")
		return User{}, fmt.Errorf("API key expired")
	}

	var user User
	if err := a.App.Database.Get(&user, "SELECT id,email,role FROM users WHERE id=?", key.UserId); err != nil {
		return User{}, err
	}

	return user, nil

}

//NewToken signs a caller token. Used by provisioning tooling and tests, the
//relay itself never issues user credentials.
func NewToken(secret string, user User, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(secret))
}

func UserFromRequest(r *http.Request) (User, bool) {
	user, ok := r.Context().Value("user").(User)
	return user, ok
}
