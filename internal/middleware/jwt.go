package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
    "net/http" // HTTP status codes for responses
    "strings"  // string utilities for prefix checking and trimming

    "github.com/labstack/echo/v4" // Echo framework used for defining middleware and handlers

    "github.com/iliyamo/expert-settlement/internal/utils"
)

// JWTAuth returns an Echo middleware that validates a Bearer service token
// and injects the token's subject and role claims into the request context.
// The provided secret must match the one used when minting tokens.  Handlers
// read the caller via `c.Get("user_id")` and `c.Get("role")`, both strings.
func JWTAuth(secret string) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            // A valid header is "Bearer " followed by the JWT.
            auth := c.Request().Header.Get("Authorization")
            if !strings.HasPrefix(auth, "Bearer ") {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
            }
            raw := strings.TrimPrefix(auth, "Bearer ")

            // Signature, algorithm, expiry and required claims are checked
            // by the token helper.
            claims, err := utils.ParseServiceToken(secret, raw)
            if err != nil {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
            }

            c.Set("user_id", claims.Subject)
            c.Set("role", claims.Role)
            return next(c)
        }
    }
}
