package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/dgrijalva/jwt-go"
	. "github.com/smartystreets/goconvey/convey"
)

func postLogin(payload *LoginPayload) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)

	req := httptest.NewRequest("POST", "/api/login/", bytes.NewBuffer(body))
	req.Header.Add("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	http.HandlerFunc(Login).ServeHTTP(rr, req)
	return rr
}

func parseTestClaims(ts string) *DeviceClaims {
	claims := &DeviceClaims{}
	jwt.ParseWithClaims(ts, claims,
		func(*jwt.Token) (interface{}, error) { return JWT_HMAC_SECRET, nil })
	return claims
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Success"))
})

func TestUser(t *testing.T) {
	Convey("Methods work as expected", t, func() {
		user := new(User)
		Convey("Setting and verify password works correctly with hashes", func() {
			So(user.SetPassword([]byte("hello123")), ShouldBeNil)
			So(user.Password, ShouldStartWith, "$")

			So(user.VerifyPassword([]byte("hello123")), ShouldBeNil)
			So(user.VerifyPassword([]byte("hello12")), ShouldNotBeNil)
		})

		Convey("Invalid hash returns the correct error code", func() {
			user.Password = "I DON'T WORK"
			So(user.VerifyPassword([]byte("hello123")).Error(), ShouldContainSubstring, "hashedSecret too short")
		})

		Convey("Only the operator role may command motion", func() {
			So(user.CanOperate(), ShouldBeFalse)
			user.Role = RoleObserver
			So(user.CanOperate(), ShouldBeFalse)
			user.Role = RoleOperator
			So(user.CanOperate(), ShouldBeTrue)
		})
	})
}

func TestJWTGeneration(t *testing.T) {
	Convey("Tokens carry the subject, role and this device's identity", t, func() {
		ts, err := newJWT("operator@observatory.test", RoleOperator)
		So(err, ShouldBeNil)
		So(ts, ShouldNotBeEmpty)

		claims := parseTestClaims(ts)
		So(claims.Subject, ShouldEqual, "operator@observatory.test")
		So(claims.Role, ShouldEqual, RoleOperator)
		So(claims.Issuer, ShouldEqual, ENV.JWT_ISSUER)
	})
}

func TestLogin(t *testing.T) {
	db, err := openDb(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	ENV.DB = db

	user := &User{
		Email: "operator@observatory.test",
		Role:  RoleOperator,
	}
	user.SetPassword([]byte("testing123"))
	ENV.DB.Save(user)

	Convey("Valid request works as expected", t, func() {
		rr := postLogin(&LoginPayload{
			Email:    "operator@observatory.test",
			Password: "testing123",
		})

		So(rr.Code, ShouldEqual, http.StatusOK)

		var payload JWTPayload
		So(json.Unmarshal(rr.Body.Bytes(), &payload), ShouldBeNil)
		So(parseTestClaims(payload.SignedToken).Role, ShouldEqual, RoleOperator)
	})

	Convey("Invalid credentials return error", t, func() {
		Convey("Incorrect username provides 404", func() {
			rr := postLogin(&LoginPayload{
				Email:    "nobody@observatory.test",
				Password: "testing123",
			})
			So(rr.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Incorrect password provides 403", func() {
			rr := postLogin(&LoginPayload{
				Email:    "operator@observatory.test",
				Password: "testing12",
			})
			So(rr.Code, ShouldEqual, http.StatusForbidden)
		})
	})
}

func TestValidateJWT(t *testing.T) {
	Convey("Requests without a token are refused", t, func() {
		req := httptest.NewRequest("GET", "/api/status", nil)
		rr := httptest.NewRecorder()
		ValidateJWT(okHandler).ServeHTTP(rr, req)
		So(rr.Code, ShouldEqual, http.StatusUnauthorized)
	})

	Convey("A freshly issued token passes", t, func() {
		ts, err := newJWT("operator@observatory.test", RoleOperator)
		So(err, ShouldBeNil)

		req := httptest.NewRequest("GET", "/api/status?jwt="+ts, nil)
		rr := httptest.NewRecorder()
		ValidateJWT(okHandler).ServeHTTP(rr, req)
		So(rr.Code, ShouldEqual, http.StatusOK)
		So(rr.Body.String(), ShouldEqual, "Success")
	})

	Convey("Garbage tokens are refused", t, func() {
		req := httptest.NewRequest("GET", "/api/status?jwt=not.a.token", nil)
		rr := httptest.NewRecorder()
		ValidateJWT(okHandler).ServeHTTP(rr, req)
		So(rr.Code, ShouldEqual, http.StatusUnauthorized)
	})

	Convey("Tokens minted by a different device are refused", t, func() {
		saved := ENV.JWT_ISSUER
		ENV.JWT_ISSUER = "SOME-OTHER-UNIT"
		ts, err := newJWT("operator@observatory.test", RoleOperator)
		ENV.JWT_ISSUER = saved
		So(err, ShouldBeNil)

		req := httptest.NewRequest("GET", "/api/status?jwt="+ts, nil)
		rr := httptest.NewRecorder()
		ValidateJWT(okHandler).ServeHTTP(rr, req)
		So(rr.Code, ShouldEqual, http.StatusUnauthorized)
		So(rr.Body.String(), ShouldContainSubstring, "different device")
	})
}

func TestRequireOperator(t *testing.T) {
	gate := ValidateJWT(RequireOperator(okHandler))

	request := func(role string) *httptest.ResponseRecorder {
		ts, err := newJWT("someone@observatory.test", role)
		if err != nil {
			t.Fatal(err)
		}
		req := httptest.NewRequest("POST", "/api/home?jwt="+ts, nil)
		rr := httptest.NewRecorder()
		gate.ServeHTTP(rr, req)
		return rr
	}

	Convey("Operators reach motion routes", t, func() {
		rr := request(RoleOperator)
		So(rr.Code, ShouldEqual, http.StatusOK)
		So(rr.Body.String(), ShouldEqual, "Success")
	})

	Convey("Observers are turned away with a 403", t, func() {
		rr := request(RoleObserver)
		So(rr.Code, ShouldEqual, http.StatusForbidden)
		So(rr.Body.String(), ShouldContainSubstring, "operator role")
	})
}
