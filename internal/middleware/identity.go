package middleware

// identity.go holds the helpers that read the caller stored by JWTAuth.

import "github.com/labstack/echo/v4"

// Subject returns the token subject of the caller, or "" when the request
// is unauthenticated.  Admin handlers use it as the operator id.
func Subject(c echo.Context) string {
    if s, ok := c.Get("user_id").(string); ok {
        return s
    }
    return ""
}

// subjectOrAnon is Subject with a stable placeholder for rate limit keys.
func subjectOrAnon(c echo.Context) string {
    if s := Subject(c); s != "" {
        return s
    }
    return "anon"
}
