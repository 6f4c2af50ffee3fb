package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/dgrijalva/jwt-go"
	"github.com/go-chi/render"
	"golang.org/x/crypto/bcrypt"
)

var (
	JWT_HMAC_SECRET []byte        = []byte("q3mYxTn2fEoJ9dVZbA41u/XPcWKsr8hLDgv6wNiC5RU=")
	JWT_LIFESPAN    time.Duration = time.Hour
)

// Roles. Observers may read status and positions; only operators may command
// motion. The shell's createsuperuser always creates an operator.
const (
	RoleObserver = "observer"
	RoleOperator = "operator"
)

type ctxKey int

const claimsKey ctxKey = iota

//---
// Users
//---

// User is a local account on this mirror unit.
type User struct {
	ID       int    `storm:"increment"` // pk
	Email    string `storm:"unique"`
	Name     string
	Password string
	Role     string
}

func (u *User) SetPassword(pass []byte) error {
	hash, err := bcrypt.GenerateFromPassword(pass, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hash)
	return nil
}

// VerifyPassword returns the bcrypt comparison result unmodified so callers
// can distinguish a mismatch from a corrupt hash.
func (u *User) VerifyPassword(pass []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(u.Password), pass)
}

func (u *User) CanOperate() bool {
	return u.Role == RoleOperator
}

//---
// Tokens
//---

// DeviceClaims scope a token to one mirror unit: the issuer is this device's
// UUID and validation refuses tokens minted by any other unit, so a leaked
// token from a test rig cannot drive a telescope.
type DeviceClaims struct {
	jwt.StandardClaims
	Role string `json:"role"`
}

func newJWT(sub, role string) (string, error) {
	now := time.Now().UTC()
	claims := DeviceClaims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    ENV.JWT_ISSUER,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(JWT_LIFESPAN).Unix(),
			Subject:   sub,
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	return token.SignedString(JWT_HMAC_SECRET)
}

// bearerToken pulls the token from the query string, the Authorization
// header or the jwt cookie, in that order. Query string first so websocket
// clients, which cannot set headers, stay simple.
func bearerToken(r *http.Request) string {
	if ts := r.URL.Query().Get("jwt"); ts != "" {
		return ts
	}

	if bearer := r.Header.Get("Authorization"); len(bearer) > 7 &&
		strings.EqualFold(bearer[0:6], "BEARER") {
		return bearer[7:]
	}

	if cookie, err := r.Cookie("jwt"); err == nil {
		return cookie.Value
	}
	return ""
}

func requestClaims(r *http.Request) (*DeviceClaims, bool) {
	claims, ok := r.Context().Value(claimsKey).(*DeviceClaims)
	return claims, ok
}

//---
// Payloads
//---

type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (l *LoginPayload) Bind(r *http.Request) error {
	return nil
}

type JWTPayload struct {
	SignedToken string `json:"token"`
}

//---
// Views
//---

// Login verifies a local account and mints a device-scoped token carrying
// the account's role.
func Login(w http.ResponseWriter, r *http.Request) {
	data := &LoginPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	var user User
	if err := ENV.DB.One("Email", data.Email, &user); err != nil {
		if err == storm.ErrNotFound {
			render.Render(w, r, ErrNotFound)
			return
		}
		render.Render(w, r, ErrRender(err))
		return
	}

	if err := user.VerifyPassword([]byte(data.Password)); err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			render.Render(w, r, ErrPermissionDenied(errors.New("invalid password")))
			return
		}
		render.Render(w, r, ErrRender(err))
		return
	}

	tokenString, err := newJWT(user.Email, user.Role)
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	render.JSON(w, r, JWTPayload{tokenString})
}

// JWTRefresh reissues the caller's token with a fresh expiry, keeping the
// subject and role it already carries.
func JWTRefresh(w http.ResponseWriter, r *http.Request) {
	claims, ok := requestClaims(r)
	if !ok {
		render.Render(w, r, ErrUnauthorized(errors.New("no validated token on request")))
		return
	}

	tokenString, err := newJWT(claims.Subject, claims.Role)
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	render.JSON(w, r, JWTPayload{tokenString})
}

//---
// Middleware
//---

var (
	JWTEmpty        = errors.New("bearer token not provided")
	ErrWrongDevice  = errors.New("token was issued for a different device")
	ErrObserverOnly = errors.New("motion commands require the operator role")
)

// ValidateJWT admits requests carrying a live token minted by this device
// and attaches the claims to the request context.
func ValidateJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := bearerToken(r)
		if tokenStr == "" {
			render.Render(w, r, ErrUnauthorized(JWTEmpty))
			return
		}

		claims := &DeviceClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims,
			func(*jwt.Token) (interface{}, error) { return JWT_HMAC_SECRET, nil })

		if err != nil || !token.Valid {
			reason := errors.New("invalid token")
			if verr, ok := err.(*jwt.ValidationError); ok &&
				verr.Errors&jwt.ValidationErrorExpired != 0 {
				reason = errors.New("token has expired")
			}
			render.Render(w, r, ErrUnauthorized(reason))
			return
		}

		if claims.Issuer != ENV.JWT_ISSUER {
			render.Render(w, r, ErrUnauthorized(ErrWrongDevice))
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOperator sits behind ValidateJWT on every route that can move the
// mirror. Observers get a 403, not a 401: the token is fine, the role is not.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requestClaims(r)
		if !ok {
			render.Render(w, r, ErrUnauthorized(JWTEmpty))
			return
		}
		if claims.Role != RoleOperator {
			render.Render(w, r, ErrPermissionDenied(ErrObserverOnly))
			return
		}
		next.ServeHTTP(w, r)
	})
}
