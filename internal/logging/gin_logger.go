// Package logging configures logrus for the handoff CLI and provides Gin
// middleware for the loopback callback server. Callback URLs carry tokens,
// so every query string is masked before it reaches a log line.
package logging

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const ginRequestIDKey = "__request_id__"

// GinLogrusLogger returns a Gin middleware that logs each loopback request
// with a short request id, status, latency and the masked path.
//
// Output format: [2026-01-02 15:04:05] [a1b2c3d4] [info ] 302 |    1ms | 127.0.0.1 | GET "/auth/callback?access_token=eyJh...Q5xk"
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := MaskSensitiveQuery(c.Request.URL.RawQuery)

		requestID := GenerateRequestID()
		c.Set(ginRequestIDKey, requestID)

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		latency := time.Since(start).Truncate(time.Millisecond)
		statusCode := c.Writer.Status()
		logLine := fmt.Sprintf("%3d | %6v | %15s | %-6s \"%s\"", statusCode, latency, c.ClientIP(), c.Request.Method, path)
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logLine = logLine + " | " + errorMessage
		}

		entry := log.WithField("request_id", requestID)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(logLine)
		default:
			entry.Debug(logLine)
		}
	}
}

// GinLogrusRecovery returns a Gin middleware that recovers from panics, logs
// them with the stack and answers 500.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			// Let net/http abort the connection without a noisy stack.
			panic(http.ErrAbortHandler)
		}

		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// GenerateRequestID creates a new 8-character hex request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// GinRequestID returns the id assigned by GinLogrusLogger, or "".
func GinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Get(ginRequestIDKey); ok {
		if s, okString := id.(string); okString {
			return s
		}
	}
	return ""
}

// MaskSensitiveQuery masks token-like parameters within a raw query string or fragment.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		if part == "" {
			continue
		}
		keyPart, valuePart, _ := strings.Cut(part, "=")
		decodedKey, err := url.QueryUnescape(keyPart)
		if err != nil {
			decodedKey = keyPart
		}
		if !shouldMaskQueryParam(decodedKey) {
			continue
		}
		decodedValue, err := url.QueryUnescape(valuePart)
		if err != nil {
			decodedValue = valuePart
		}
		parts[i] = keyPart + "=" + url.QueryEscape(HideSecret(strings.TrimSpace(decodedValue)))
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

// MaskURL masks sensitive parameters in both the query and the fragment of rawURL.
func MaskURL(rawURL string) string {
	base, fragment, hasFragment := strings.Cut(rawURL, "#")
	path, query, hasQuery := strings.Cut(base, "?")
	masked := path
	if hasQuery {
		masked += "?" + MaskSensitiveQuery(query)
	}
	if hasFragment {
		masked += "#" + MaskSensitiveQuery(fragment)
	}
	return masked
}

// HideSecret obscures a secret, keeping only a few characters at each end.
func HideSecret(secret string) string {
	switch {
	case len(secret) > 8:
		return secret[:4] + "..." + secret[len(secret)-4:]
	case len(secret) > 4:
		return secret[:2] + "..." + secret[len(secret)-2:]
	case len(secret) > 2:
		return secret[:1] + "..." + secret[len(secret)-1:]
	default:
		return secret
	}
}

func shouldMaskQueryParam(key string) bool {
	key = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(key)), "[]")
	if key == "" {
		return false
	}
	switch key {
	case "code", "key", "apikey", "state", "code_verifier":
		return true
	}
	return strings.Contains(key, "token") || strings.Contains(key, "secret") || strings.Contains(key, "api_key")
}
