package protection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProtector(t *testing.T) *Protector {
	return NewProtector(newTestEncryptor(t))
}

func sampleRecord() map[string]interface{} {
	return map[string]interface{}{
		"id":             int64(7),
		"email":          "jane.doe@example.com",
		"phone":          "555-123-4567",
		"ssn":            "123-45-6789",
		"credit_card":    "4111-1111-1111-1234",
		"account_number": "000123456789",
		"patient_id":     "PAT-998877",
		"first_name":     "Jonathan",
		"date_of_birth":  "1985-07-01",
		"password":       "hunter2hunter2",
		"notes":          "free text",
	}
}

func TestEncryptSensitiveFields_ByLevel(t *testing.T) {
	p := newTestProtector(t)
	record := sampleRecord()

	t.Run("internal is a no-op", func(t *testing.T) {
		out, err := p.EncryptSensitiveFields(record, Internal)
		require.NoError(t, err)
		assert.Equal(t, record, out)
	})

	t.Run("confidential encrypts high value only", func(t *testing.T) {
		out, err := p.EncryptSensitiveFields(record, Confidential)
		require.NoError(t, err)

		for _, f := range []string{"ssn", "credit_card", "account_number", "patient_id", "password"} {
			assert.NotEqual(t, record[f], out[f], f)
			assert.Equal(t, record[f], p.Encryptor().DecryptOrOriginal(out[f].(string)), f)
		}
		for _, f := range []string{"email", "phone", "first_name", "date_of_birth", "notes", "id"} {
			assert.Equal(t, record[f], out[f], f)
		}
	})

	t.Run("restricted encrypts everything detected", func(t *testing.T) {
		out, err := p.EncryptSensitiveFields(record, Restricted)
		require.NoError(t, err)

		for f := range IdentifyFields(record) {
			assert.NotEqual(t, record[f], out[f], f)
		}
		assert.Equal(t, "free text", out["notes"])
		assert.Equal(t, int64(7), out["id"])
	})

	t.Run("input is not mutated", func(t *testing.T) {
		_, err := p.EncryptSensitiveFields(record, Restricted)
		require.NoError(t, err)
		assert.Equal(t, sampleRecord(), record)
	})
}

func TestDecryptSensitiveFields(t *testing.T) {
	p := newTestProtector(t)
	record := sampleRecord()

	enc, err := p.EncryptSensitiveFields(record, Restricted)
	require.NoError(t, err)

	assert.Equal(t, record, p.DecryptSensitiveFields(enc))
	assert.Equal(t, record, p.DecryptSensitiveFields(record))
}

func TestMaskSensitiveFields(t *testing.T) {
	p := newTestProtector(t)
	record := sampleRecord()

	t.Run("read_sensitive sees stored values", func(t *testing.T) {
		out := p.MaskSensitiveFields(record, []string{"read_user", ReadSensitivePermission})
		assert.Equal(t, record, out)
	})

	t.Run("others see masks computed from plaintext", func(t *testing.T) {
		stored, err := p.EncryptSensitiveFields(record, Confidential)
		require.NoError(t, err)

		out := p.MaskSensitiveFields(stored, []string{"read_user"})

		assert.Equal(t, "j******e@example.com", out["email"])
		assert.Equal(t, "555***4567", out["phone"])
		assert.Equal(t, "***-**-6789", out["ssn"])
		assert.Equal(t, "****-****-****-1234", out["credit_card"])
		assert.Equal(t, "****6789", out["account_number"])
		assert.Equal(t, "PA***77", out["patient_id"])
		assert.Equal(t, "Jo****an", out["first_name"])
		assert.Equal(t, "******7-01", out["date_of_birth"])
		assert.Equal(t, PasswordPlaceholder, out["password"])
		assert.Equal(t, "free text", out["notes"])
	})
}

func TestSanitizeForExternalAPI(t *testing.T) {
	p := newTestProtector(t)
	record := sampleRecord()
	record["stripe_customer_id"] = "cus_123"
	record["Webhook_Secret"] = "whsec"
	record["hashed_password"] = "$2b$..."

	t.Run("deny list is always stripped", func(t *testing.T) {
		for _, c := range []IntegrationCategory{CategoryFinancial, CategoryMedical, CategoryGeneral, CategoryPublic, "unknown"} {
			out := p.SanitizeForExternalAPI(record, c)
			for _, f := range []string{"password", "stripe_customer_id", "Webhook_Secret", "hashed_password"} {
				assert.NotContains(t, out, f, "%s/%s", c, f)
			}
		}
	})

	t.Run("financial", func(t *testing.T) {
		out := p.SanitizeForExternalAPI(record, CategoryFinancial)
		assert.Equal(t, "***-**-6789", out["ssn"])
		assert.Equal(t, "****-****-****-1234", out["credit_card"])
		assert.Equal(t, "****6789", out["account_number"])
		assert.Equal(t, "j******e@example.com", out["email"])
		assert.Equal(t, "555***4567", out["phone"])
		assert.Equal(t, "******8877", out["patient_id"])
		assert.Equal(t, "******7-01", out["date_of_birth"])
		assert.Equal(t, "free text", out["notes"])
	})

	t.Run("medical", func(t *testing.T) {
		out := p.SanitizeForExternalAPI(record, CategoryMedical)
		assert.Equal(t, "***-**-6789", out["ssn"])
		assert.Equal(t, "PA***77", out["patient_id"])
		assert.Equal(t, "1985-**-**", out["date_of_birth"])
		assert.Equal(t, "j******e@example.com", out["email"])
		assert.Equal(t, "*******************", out["credit_card"])
		assert.Equal(t, "********", out["first_name"])
	})

	t.Run("general and unknown", func(t *testing.T) {
		general := p.SanitizeForExternalAPI(record, CategoryGeneral)
		assert.Equal(t, "*******6789", general["ssn"])
		assert.Equal(t, "****************.com", general["email"])
		assert.Equal(t, general, p.SanitizeForExternalAPI(record, "crm"))
	})

	t.Run("public strips but does not mask", func(t *testing.T) {
		out := p.SanitizeForExternalAPI(record, CategoryPublic)
		assert.Equal(t, "123-45-6789", out["ssn"])
		assert.Equal(t, "jane.doe@example.com", out["email"])
	})

	t.Run("encrypted values are masked from plaintext", func(t *testing.T) {
		stored, err := p.EncryptSensitiveFields(record, Restricted)
		require.NoError(t, err)
		out := p.SanitizeForExternalAPI(stored, CategoryFinancial)
		assert.Equal(t, "***-**-6789", out["ssn"])
	})
}

func TestSanitizeForExternalAPI_NestedAndDerivedKeys(t *testing.T) {
	p := newTestProtector(t)
	record := map[string]interface{}{
		"client_secret": "cs_live",
		"db_password":   "pg-pass",
		"api_key_raw":   "bst_raw",
		"api_key_id":    int64(5),
		"profile": map[string]interface{}{
			"email":         "jane.doe@example.com",
			"client_secret": "nested",
		},
		"contacts": []interface{}{
			map[string]interface{}{"phone": "555-123-4567", "private_key": "pem"},
		},
		"emails": []interface{}{"jane.doe@example.com"},
	}

	for _, c := range []IntegrationCategory{CategoryFinancial, CategoryPublic} {
		out := p.SanitizeForExternalAPI(record, c)
		for _, f := range []string{"client_secret", "db_password", "api_key_raw"} {
			assert.NotContains(t, out, f, "%s/%s", c, f)
		}
		assert.Equal(t, int64(5), out["api_key_id"])
		assert.NotContains(t, out["profile"], "client_secret")
		assert.NotContains(t, out["contacts"].([]interface{})[0], "private_key")
	}

	out := p.SanitizeForExternalAPI(record, CategoryFinancial)
	assert.Equal(t, MaskEmail("jane.doe@example.com"), out["profile"].(map[string]interface{})["email"])
	assert.Equal(t, "555***4567", out["contacts"].([]interface{})[0].(map[string]interface{})["phone"])
	assert.Equal(t, []interface{}{MaskEmail("jane.doe@example.com")}, out["emails"])

	public := p.SanitizeForExternalAPI(record, CategoryPublic)
	assert.Equal(t, "jane.doe@example.com", public["profile"].(map[string]interface{})["email"])

	// input untouched
	assert.Equal(t, "nested", record["profile"].(map[string]interface{})["client_secret"])
}

func TestIsSecretKey(t *testing.T) {
	for _, k := range []string{"password", "DB_Password", "client_secret", "api_key", "api_key_raw", "ssh_private_key"} {
		assert.True(t, IsSecretKey(k), k)
	}
	for _, k := range []string{"api_key_id", "email", "name", "secret_rotation_id"} {
		assert.False(t, IsSecretKey(k), k)
	}
}

func TestSanitizeResponse(t *testing.T) {
	p := newTestProtector(t)
	record := sampleRecord()

	assert.Equal(t, record, p.SanitizeResponse(record, Public))

	internal := p.SanitizeResponse(record, Internal)
	assert.Equal(t, "j******e@example.com", internal["email"])
	assert.Equal(t, "555***4567", internal["phone"])
	assert.Equal(t, "*******6789", internal["ssn"])
	assert.Equal(t, PasswordPlaceholder, internal["password"])

	confidential := p.SanitizeResponse(record, Confidential)
	assert.Equal(t, "********************", confidential["email"])
	assert.Equal(t, "***-**-6789", confidential["ssn"])
	assert.Equal(t, "****-****-****-1234", confidential["credit_card"])
	assert.Equal(t, "PA***77", confidential["patient_id"])
	assert.Equal(t, "free text", confidential["notes"])

	assert.Equal(t, confidential, p.SanitizeResponse(record, Restricted))
}

func TestSensitivityLevel(t *testing.T) {
	assert.Equal(t, -1, Public.Compare(Internal))
	assert.Equal(t, 1, Restricted.Compare(Confidential))
	assert.Equal(t, 0, Confidential.Compare(Confidential))
	assert.True(t, Restricted.AtLeast(Confidential))
	assert.False(t, Internal.AtLeast(Confidential))

	l, err := ParseSensitivityLevel(" Restricted ")
	require.NoError(t, err)
	assert.Equal(t, Restricted, l)

	_, err = ParseSensitivityLevel("secret")
	assert.Error(t, err)
}
