package audit

import (
	"github.com/platinummonkey/bastion/pkg/protection"
)

var sensitiveActions = map[string]struct{}{
	"user_login":            {},
	"user_logout":           {},
	"password_change":       {},
	"email_change":          {},
	"api_key_create":        {},
	"api_key_delete":        {},
	ActionPermissionGrant:   {},
	ActionPermissionRevoke:  {},
	"sensitive_data_access": {},
	"data_export":           {},
	"data_import":           {},
	"webhook_trigger":       {},
}

var sensitiveResources = map[string]struct{}{
	"user":                 {},
	"api_key":              {},
	"subscription":         {},
	"external_integration": {},
}

// IsSensitiveAction reports whether action always records as confidential
func IsSensitiveAction(action string) bool {
	_, ok := sensitiveActions[action]
	return ok
}

// Sanitize returns a copy of values that is safe to persist. Secrets become
// RedactedValue, emails and phone numbers are masked, other classified fields
// become a "[MASKED:<category>]" token. Nested maps and lists are sanitized
// too; list elements are judged by the key holding the list. A nil map stays
// nil.
func Sanitize(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return nil
	}

	out := make(map[string]interface{}, len(values))
	for key, value := range values {
		out[key] = sanitizeValue(key, value)
	}
	return out
}

func sanitizeValue(key string, value interface{}) interface{} {
	if value == nil {
		return nil
	}
	if protection.IsSecretKey(key) {
		return RedactedValue
	}

	switch v := value.(type) {
	case map[string]interface{}:
		return Sanitize(v)
	case []interface{}:
		items := make([]interface{}, len(v))
		for i, item := range v {
			items[i] = sanitizeValue(key, item)
		}
		return items
	}

	category := protection.Classify(key, value)
	switch category {
	case protection.Unclassified:
		return value
	case protection.Password:
		return RedactedValue
	case protection.Email:
		return protection.MaskEmail(value.(string))
	case protection.Phone:
		return protection.MaskPhone(value.(string))
	default:
		return "[MASKED:" + string(category) + "]"
	}
}

// Level computes the sensitivity of a record from its action, resource type
// and sanitized payload
func Level(action, resourceType string, sanitized map[string]interface{}) protection.SensitivityLevel {
	if IsSensitiveAction(action) {
		return protection.Confidential
	}
	if _, ok := sensitiveResources[resourceType]; ok {
		return protection.Internal
	}
	if holdsSensitive(sanitized) {
		return protection.Confidential
	}
	return protection.Public
}

func holdsSensitive(values map[string]interface{}) bool {
	for key, value := range values {
		if sensitiveValue(key, value) {
			return true
		}
	}
	return false
}

func sensitiveValue(key string, value interface{}) bool {
	switch v := value.(type) {
	case map[string]interface{}:
		return holdsSensitive(v)
	case []interface{}:
		for _, item := range v {
			if sensitiveValue(key, item) {
				return true
			}
		}
		return false
	}
	return value == RedactedValue || protection.Classify(key, value) != protection.Unclassified
}
