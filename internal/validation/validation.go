// Package validation provides request input validation helpers.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestBodySize caps JSON request bodies at 64KB.
	MaxRequestBodySize = 64 * 1024

	// MaxMessageLength caps free-text offer and response messages.
	MaxMessageLength = 2000

	// MaxContingencies caps the number of contingency entries on an offer.
	MaxContingencies = 20
)

// Prefixed IDs: lowercase prefix, underscore, hex tail. Bare UUID-style
// IDs from external systems are also accepted.
var idPattern = regexp.MustCompile(`^[a-z]{1,8}_[0-9a-f]{8,32}$|^[0-9a-fA-F-]{8,64}$`)

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects field errors for a request.
type Errors struct {
	Fields []FieldError `json:"errors"`
}

func (e *Errors) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field error.
func (e *Errors) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// HasErrors reports whether any field failed validation.
func (e *Errors) HasErrors() bool {
	return len(e.Fields) > 0
}

// ValidID reports whether s looks like a well-formed entity ID.
func ValidID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	return idPattern.MatchString(s)
}

// RequireID adds a field error unless s is a well-formed ID.
func RequireID(errs *Errors, field, s string) {
	if s == "" {
		errs.Add(field, "is required")
		return
	}
	if !ValidID(s) {
		errs.Add(field, "is not a valid ID")
	}
}

// RequirePositiveCents adds a field error unless v is a positive amount.
func RequirePositiveCents(errs *Errors, field string, v int64) {
	if v <= 0 {
		errs.Add(field, "must be a positive amount in cents")
	}
}

// SanitizeString trims whitespace, strips control characters, and
// truncates to maxLen runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if utf8.RuneCountInString(out) > maxLen {
		runes := []rune(out)
		out = string(runes[:maxLen])
	}
	return out
}

// RequestSizeMiddleware rejects request bodies larger than maxBytes.
func RequestSizeMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": fmt.Sprintf("request body exceeds %d bytes", maxBytes),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
