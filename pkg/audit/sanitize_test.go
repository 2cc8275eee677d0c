package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/bastion/pkg/protection"
)

func TestSanitize_RedactsAndMasks(t *testing.T) {
	out := Sanitize(map[string]interface{}{
		"password": "x",
		"email":    "a@b.com",
	})

	assert.Equal(t, RedactedValue, out["password"])
	assert.Equal(t, protection.MaskEmail("a@b.com"), out["email"])
	assert.NotEqual(t, "a@b.com", out["email"])
}

func TestSanitize_FieldRules(t *testing.T) {
	in := map[string]interface{}{
		"api_key":      "bst_abcdef",
		"secret":       "s3cr3t",
		"phone_number": "+1 555 123 4567",
		"ssn":          "123-45-6789",
		"card_number":  "4111111111111111",
		"plan":         "pro",
		"quota":        42,
		"email_opt_in": true,
	}
	out := Sanitize(in)

	assert.Equal(t, RedactedValue, out["api_key"])
	assert.Equal(t, RedactedValue, out["secret"])
	assert.Equal(t, protection.MaskPhone("+1 555 123 4567"), out["phone_number"])
	assert.Equal(t, "[MASKED:ssn]", out["ssn"])
	assert.Equal(t, "[MASKED:credit_card]", out["card_number"])
	assert.Equal(t, "pro", out["plan"])
	assert.Equal(t, 42, out["quota"])
	assert.Equal(t, true, out["email_opt_in"])

	// input untouched
	assert.Equal(t, "123-45-6789", in["ssn"])
}

func TestSanitize_NestedValues(t *testing.T) {
	in := map[string]interface{}{
		"client_secret": "cs_live",
		"db_password":   "pg-pass",
		"api_key_id":    int64(9),
		"config": map[string]interface{}{
			"api_key_raw": "bst_raw",
			"owner": map[string]interface{}{
				"email": "a@b.com",
			},
		},
		"phones": []interface{}{"+1 555 123 4567"},
		"items":  []interface{}{map[string]interface{}{"ssn": "123-45-6789", "qty": 2}},
	}
	out := Sanitize(in)

	assert.Equal(t, RedactedValue, out["client_secret"])
	assert.Equal(t, RedactedValue, out["db_password"])
	assert.Equal(t, int64(9), out["api_key_id"])

	config := out["config"].(map[string]interface{})
	assert.Equal(t, RedactedValue, config["api_key_raw"])
	assert.Equal(t, protection.MaskEmail("a@b.com"), config["owner"].(map[string]interface{})["email"])

	assert.Equal(t, []interface{}{protection.MaskPhone("+1 555 123 4567")}, out["phones"])
	item := out["items"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "[MASKED:ssn]", item["ssn"])
	assert.Equal(t, 2, item["qty"])

	assert.Equal(t, "bst_raw", in["config"].(map[string]interface{})["api_key_raw"])
	assert.Equal(t, protection.Confidential, Level("update", "project", map[string]interface{}{"config": config}))
}

func TestSanitize_Nil(t *testing.T) {
	assert.Nil(t, Sanitize(nil))
	assert.Empty(t, Sanitize(map[string]interface{}{}))
}

func TestLevel(t *testing.T) {
	tests := []struct {
		name         string
		action       string
		resourceType string
		values       map[string]interface{}
		want         protection.SensitivityLevel
	}{
		{"sensitive action", "password_change", "project", nil, protection.Confidential},
		{"sensitive action beats resource", "permission_grant", "user", nil, protection.Confidential},
		{"sensitive resource", "update", "subscription", map[string]interface{}{"email": "a@b.com"}, protection.Internal},
		{"sensitive payload", "update", "project", Sanitize(map[string]interface{}{"email": "a@b.com"}), protection.Confidential},
		{"redacted payload", "update", "project", Sanitize(map[string]interface{}{"secret": "x"}), protection.Confidential},
		{"plain payload", "update", "project", map[string]interface{}{"name_hint": "demo"}, protection.Public},
		{"no payload", "api_access", "api_endpoint", nil, protection.Public},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Level(tt.action, tt.resourceType, tt.values))
		})
	}
}

func TestIsSensitiveEndpoint(t *testing.T) {
	assert.True(t, IsSensitiveEndpoint("/api/users/5"))
	assert.True(t, IsSensitiveEndpoint("/webhooks/stripe"))
	assert.True(t, IsSensitiveEndpoint("/integrations"))
	assert.False(t, IsSensitiveEndpoint("/api/v1/projects"))
	assert.False(t, IsSensitiveEndpoint("/api/users"))
}
