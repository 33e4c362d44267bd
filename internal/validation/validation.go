// Package validation provides input validation for the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ndbytes/tonbroker/internal/ton"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
// (dispute reasons, evidence, messages).
const MaxStringLength = 10000

var (
	// friendlyAddrRegex matches user-friendly TON addresses:
	// 48 chars of base64/base64url.
	friendlyAddrRegex = regexp.MustCompile(`^[A-Za-z0-9_\-+/]{48}$`)
	// rawAddrRegex matches raw TON addresses: workchain:hex256.
	rawAddrRegex = regexp.MustCompile(`^-?[0-9]:[a-fA-F0-9]{64}$`)
	// hexRegex validates hex strings (transaction hashes).
	hexRegex = regexp.MustCompile(`^[a-fA-F0-9]{16,64}$`)
)

// IsValidTONAddress checks if a string is a TON address in either the
// user-friendly or raw form.
func IsValidTONAddress(addr string) bool {
	return friendlyAddrRegex.MatchString(addr) || rawAddrRegex.MatchString(addr)
}

// IsValidTxHash checks if a string looks like an on-chain tx hash.
func IsValidTxHash(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeString trims whitespace, limits length, and strips NUL bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// NormalizeCode normalizes a deposit comment code for comparison:
// trimmed and lowercased, same as the verifier side.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidationError represents a single field validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks that a field is a valid TON address.
// Empty values pass; combine with Required for required fields.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidTONAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid TON address"}
		}
		return nil
	}
}

// ValidAmount checks that a field is a positive decimal amount with at
// most 9 fractional digits of significance.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		n, ok := ton.Parse(value)
		if !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if n.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max length.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
