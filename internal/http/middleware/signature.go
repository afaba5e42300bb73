// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements webhook signature verification for the payment
// gateway. The gateway signs the raw request body with HMAC-SHA256 and sends
// the hex digest in the X-Gateway-Signature header. Verification happens
// before the body reaches the handler; the body is re-buffered so downstream
// binding still works.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderGatewaySignature is the request header carrying the gateway's
// HMAC-SHA256 hex digest of the raw body.
const HeaderGatewaySignature = "X-Gateway-Signature"

// maxWebhookBody caps how much of a webhook body is read for verification.
const maxWebhookBody = 1 << 20 // 1 MiB

// WebhookSignature returns a Gin middleware that verifies the gateway
// signature on incoming webhook deliveries.
//
// Behavior:
//   - If secret is empty, verification is disabled (development mode) and the
//     middleware is a no-op.
//   - If the header is missing or the digest does not match, responds 401
//     with a compact error body and aborts.
//   - Comparison is constant time (hmac.Equal).
func WebhookSignature(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if len(key) == 0 {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "VALIDATION_ERROR",
				"message": "unreadable request body",
			})
			return
		}
		_ = c.Request.Body.Close()
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		got := c.GetHeader(HeaderGatewaySignature)
		if got == "" || !validSignature(key, body, got) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "invalid webhook signature",
			})
			return
		}

		c.Next()
	}
}

// validSignature reports whether sigHex is the HMAC-SHA256 hex digest of body
// under key.
func validSignature(key, body []byte, sigHex string) bool {
	want, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
