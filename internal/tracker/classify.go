package tracker

import (
	"strings"

	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Error categories, in classification order. First match wins.
const (
	CategoryDatabase        = "database"
	CategoryAuthentication  = "authentication"
	CategoryValidation      = "validation"
	CategoryNetwork         = "network"
	CategoryExternalService = "external-service"
	CategoryBusinessLogic   = "business-logic"
	CategorySystem          = "system"
	CategoryUnknown         = "unknown"
)

// categoryRule matches substrings against the error message, name, and
// endpoint. Rules are evaluated in order.
type categoryRule struct {
	category string
	needles  []string
}

var categoryRules = []categoryRule{
	{CategoryDatabase, []string{"sql", "database", "db connection", "connection pool", "deadlock", "constraint", "duplicate key", "query failed"}},
	{CategoryAuthentication, []string{"auth", "unauthorized", "forbidden", "token", "jwt", "credential", "login", "session expired"}},
	{CategoryValidation, []string{"validation", "invalid", "required field", "malformed", "schema", "bad request"}},
	{CategoryNetwork, []string{"network", "timeout", "timed out", "econnrefused", "econnreset", "socket", "dns", "unreachable"}},
	{CategoryExternalService, []string{"gmail", "webhook", "upstream", "external", "rate limit", "third-party", "api error"}},
	{CategoryBusinessLogic, []string{"workflow", "business", "state transition", "rule violation", "quota"}},
	{CategorySystem, []string{"panic", "out of memory", "oom", "disk", "fatal", "segfault", "system"}},
}

// Categorize picks the error category by ordered rule match over the
// message, name, and endpoint.
func Categorize(message, name, endpoint string) string {
	haystack := strings.ToLower(message + " " + name + " " + endpoint)
	for _, rule := range categoryRules {
		for _, needle := range rule.needles {
			if strings.Contains(haystack, needle) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// SeverityFor derives severity from the category plus HTTP-status
// heuristics.
func SeverityFor(category string, statusCode int) models.Severity {
	switch {
	case statusCode >= 500 || category == CategorySystem:
		return models.SeverityCritical
	case category == CategoryDatabase || category == CategoryAuthentication ||
		statusCode == 401 || statusCode == 403:
		return models.SeverityHigh
	case category == CategoryExternalService || category == CategoryBusinessLogic ||
		statusCode >= 400:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

const redacted = "[REDACTED]"

var sensitiveExact = map[string]struct{}{
	"key": {},
}

var sensitiveSubstrings = []string{
	"password", "token", "secret", "cookie", "authorization",
}

// sensitiveKey reports whether a header/body key must be redacted before
// storage.
func sensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveExact[k]; ok {
		return true
	}
	if strings.HasPrefix(k, "auth") {
		return true
	}
	if strings.HasSuffix(k, "_key") || strings.HasSuffix(k, "-key") {
		return true
	}
	for _, needle := range sensitiveSubstrings {
		if strings.Contains(k, needle) {
			return true
		}
	}
	return false
}

// SanitizeHeaders returns a copy of headers with sensitive values redacted.
func SanitizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if sensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = v
	}
	return out
}

// SanitizeBody returns a copy of the body with sensitive values redacted.
// Nested maps are sanitized one level deep.
func SanitizeBody(body map[string]any) map[string]any {
	if len(body) == 0 {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if sensitiveKey(k) {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			inner := make(map[string]any, len(nested))
			for nk, nv := range nested {
				if sensitiveKey(nk) {
					inner[nk] = redacted
				} else {
					inner[nk] = nv
				}
			}
			out[k] = inner
			continue
		}
		out[k] = v
	}
	return out
}

// firstMeaningfulFrame extracts the first stack line carrying a source
// location, skipping runtime frames. Returns "" when no stack is available.
func firstMeaningfulFrame(stack string) string {
	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.Contains(line, ".go:") {
			continue
		}
		if strings.Contains(line, "runtime/") || strings.HasPrefix(line, "runtime.") {
			continue
		}
		return line
	}
	return ""
}
