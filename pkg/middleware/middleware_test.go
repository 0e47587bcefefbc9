package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/logging"
)

type fakeVerifier struct {
	claims *UserClaims
	err    error
}

func (f fakeVerifier) Verify(context.Context, string) (*UserClaims, error) {
	return f.claims, f.err
}

func newEcho(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = Error(logging.NewNop())
	e.Use(Context())
	e.Use(mw...)
	e.GET("/whoami", func(c echo.Context) error {
		ctx := c.Request().Context()
		return c.JSON(http.StatusOK, map[string]string{
			"tenant":  appctx.GetTenantID(ctx),
			"user":    appctx.GetUserID(ctx),
			"request": appctx.GetRequestID(ctx),
		})
	})
	e.GET("/fail", func(c echo.Context) error {
		return httperror.NewHTTPError(http.StatusConflict, "already syncing")
	})
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("db password leaked in message")
	})
	return e
}

func serve(e *echo.Echo, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestContext(t *testing.T) {
	t.Run("should keep a caller supplied request id", func(t *testing.T) {
		rec := serve(newEcho(), "/whoami", map[string]string{echo.HeaderXRequestID: "req-1"})

		assert.Equal(t, "req-1", rec.Header().Get(echo.HeaderXRequestID))
		assert.Equal(t, "req-1", decode(t, rec)["request"])
	})

	t.Run("should generate a request id when none is sent", func(t *testing.T) {
		rec := serve(newEcho(), "/whoami", nil)

		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})
}

func TestHeaderAuth(t *testing.T) {
	t.Run("should take the tenant and user from headers", func(t *testing.T) {
		rec := serve(newEcho(HeaderAuth()), "/whoami", map[string]string{HeaderTenantID: "t-1", HeaderUserID: "u-1"})

		body := decode(t, rec)
		assert.Equal(t, "t-1", body["tenant"])
		assert.Equal(t, "u-1", body["user"])
	})
}

func TestAuthentication(t *testing.T) {
	bearer := map[string]string{echo.HeaderAuthorization: "Bearer token"}

	t.Run("should reject requests without a bearer token", func(t *testing.T) {
		rec := serve(newEcho(Authentication(logging.NewNop(), fakeVerifier{})), "/whoami", nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should reject invalid tokens", func(t *testing.T) {
		verifier := fakeVerifier{err: errors.New("expired")}

		rec := serve(newEcho(Authentication(logging.NewNop(), verifier)), "/whoami", bearer)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should prefer the tenant_id claim", func(t *testing.T) {
		claims := &UserClaims{Sub: "u-1", TenantID: "t-claim"}
		claims.RealmAccess.Roles = []string{"t-role"}

		rec := serve(newEcho(Authentication(logging.NewNop(), fakeVerifier{claims: claims})), "/whoami", bearer)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "t-claim", decode(t, rec)["tenant"])
	})

	t.Run("should fall back to the first realm role", func(t *testing.T) {
		claims := &UserClaims{Sub: "u-1"}
		claims.RealmAccess.Roles = []string{"t-role", "admin"}

		rec := serve(newEcho(Authentication(logging.NewNop(), fakeVerifier{claims: claims})), "/whoami", bearer)

		body := decode(t, rec)
		assert.Equal(t, "t-role", body["tenant"])
		assert.Equal(t, "u-1", body["user"])
	})

	t.Run("should forbid tokens without any tenant", func(t *testing.T) {
		rec := serve(newEcho(Authentication(logging.NewNop(), fakeVerifier{claims: &UserClaims{Sub: "u-1"}})), "/whoami", bearer)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestError(t *testing.T) {
	t.Run("should render http errors with their status", func(t *testing.T) {
		rec := serve(newEcho(), "/fail", map[string]string{echo.HeaderXRequestID: "req-9"})

		assert.Equal(t, http.StatusConflict, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "already syncing", body["message"])
		assert.Equal(t, "req-9", body["request_id"])
	})

	t.Run("should hide the message of unexpected errors", func(t *testing.T) {
		rec := serve(newEcho(), "/boom", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Internal Server Error", decode(t, rec)["message"])
	})

	t.Run("should render echo errors", func(t *testing.T) {
		rec := serve(newEcho(), "/missing", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
