package protection

import (
	"fmt"
	"strings"
)

// ReadSensitivePermission is the permission name that lifts display masking
const ReadSensitivePermission = "read_sensitive"

// highValue categories are encrypted at confidential level; restricted
// encrypts every detected category.
var highValue = map[Category]bool{
	SSN:         true,
	CreditCard:  true,
	BankAccount: true,
	MedicalID:   true,
	Password:    true,
}

// secretMarkers flag a key as holding a credential wherever they appear in
// it, so client_secret and db_password match as well as password
var secretMarkers = []string{
	"password",
	"secret",
	"private_key",
	"encryption_key",
	"api_key",
}

// externalDenyList names identifiers that are stripped from every payload
// leaving for a third party in addition to secret keys
var externalDenyList = map[string]bool{
	"stripe_customer_id":     true,
	"stripe_subscription_id": true,
}

// IsSecretKey reports whether key names a credential. Keys ending in _id
// name a reference to a credential, not its value, and never match.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasSuffix(lower, "_id") {
		return false
	}
	for _, m := range secretMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func deniedExternally(key string) bool {
	return externalDenyList[strings.ToLower(key)] || IsSecretKey(key)
}

// Protector composes classification, encryption and masking into record
// level policies. Every method returns a new map and leaves its input alone.
type Protector struct {
	enc *Encryptor
}

// NewProtector creates a Protector around enc
func NewProtector(enc *Encryptor) *Protector {
	return &Protector{enc: enc}
}

// Encryptor returns the underlying value encryptor
func (p *Protector) Encryptor() *Encryptor {
	return p.enc
}

func copyRecord(record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}

// EncryptSensitiveFields encrypts detected fields for storage at level.
// Public and internal records are returned unchanged; confidential encrypts
// the high-value categories; restricted encrypts everything detected.
func (p *Protector) EncryptSensitiveFields(record map[string]interface{}, level SensitivityLevel) (map[string]interface{}, error) {
	out := copyRecord(record)
	if !level.AtLeast(Confidential) {
		return out, nil
	}

	for field, category := range IdentifyFields(record) {
		if level.Compare(Restricted) < 0 && !highValue[category] {
			continue
		}
		enc, err := p.enc.Encrypt(record[field].(string))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt field %s: %w", field, err)
		}
		out[field] = enc
	}
	return out, nil
}

// DecryptSensitiveFields decrypts every detected field that decrypts; other
// values are kept as they are
func (p *Protector) DecryptSensitiveFields(record map[string]interface{}) map[string]interface{} {
	out := copyRecord(record)
	for field := range IdentifyFields(record) {
		out[field] = p.enc.DecryptOrOriginal(record[field].(string))
	}
	return out
}

func hasPermission(granted []string, perm string) bool {
	for _, g := range granted {
		if g == perm {
			return true
		}
	}
	return false
}

// MaskSensitiveFields renders a record for display. Callers holding
// read_sensitive see the record as stored. Everyone else sees each detected
// field decrypted and then masked for its category.
func (p *Protector) MaskSensitiveFields(record map[string]interface{}, granted []string) map[string]interface{} {
	out := copyRecord(record)
	if hasPermission(granted, ReadSensitivePermission) {
		return out
	}

	for field, category := range IdentifyFields(record) {
		plain := p.enc.DecryptOrOriginal(record[field].(string))
		out[field] = MaskByCategory(category, plain)
	}
	return out
}

// SanitizeForExternalAPI prepares a record for a third-party integration.
// Internal-only fields are always removed; the remaining detected fields are
// masked according to the integration category. Nested maps and lists are
// walked the same way, and list elements are classified by the key holding
// the list. Unknown categories are treated as general.
func (p *Protector) SanitizeForExternalAPI(record map[string]interface{}, category IntegrationCategory) map[string]interface{} {
	return p.sanitizeExternal(record, category.Normalize())
}

func (p *Protector) sanitizeExternal(record map[string]interface{}, category IntegrationCategory) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		if deniedExternally(k) {
			continue
		}
		out[k] = p.sanitizeExternalValue(k, v, category)
	}
	return out
}

func (p *Protector) sanitizeExternalValue(key string, value interface{}, category IntegrationCategory) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return p.sanitizeExternal(v, category)
	case []interface{}:
		items := make([]interface{}, len(v))
		for i, item := range v {
			items[i] = p.sanitizeExternalValue(key, item, category)
		}
		return items
	}

	if category == CategoryPublic {
		return value
	}
	fc := Classify(key, value)
	if fc == Unclassified {
		return value
	}
	return externalMask(category, fc, p.enc.DecryptOrOriginal(value.(string)))
}

func externalMask(category IntegrationCategory, fc Category, value string) string {
	if fc == Password {
		return PasswordPlaceholder
	}

	switch category {
	case CategoryFinancial:
		switch fc {
		case SSN:
			return MaskSSN(value)
		case CreditCard:
			return MaskCreditCard(value)
		case BankAccount:
			return MaskBankAccount(value)
		case Email:
			return MaskEmail(value)
		case Phone:
			return MaskPhone(value)
		}
		return MaskGeneric(value, 4)

	case CategoryMedical:
		switch fc {
		case MedicalID:
			return MaskMedicalID(value)
		case SSN:
			return MaskSSN(value)
		case Email:
			return MaskEmail(value)
		case Phone:
			return MaskPhone(value)
		case DOB:
			return MaskDOBYear(value)
		}
		return MaskAll(value)

	default:
		return MaskGeneric(value, 4)
	}
}

// SanitizeResponse shapes an API response body by the caller-facing level.
// Public returns the record as is; internal masks partially; confidential
// and restricted mask fully except for the structured identifiers whose
// masks already hide all but a suffix.
func (p *Protector) SanitizeResponse(record map[string]interface{}, level SensitivityLevel) map[string]interface{} {
	out := copyRecord(record)
	if !level.AtLeast(Internal) {
		return out
	}

	for field, fc := range IdentifyFields(record) {
		plain := p.enc.DecryptOrOriginal(record[field].(string))
		out[field] = responseMask(level, fc, plain)
	}
	return out
}

func responseMask(level SensitivityLevel, fc Category, value string) string {
	if fc == Password {
		return PasswordPlaceholder
	}

	if level == Internal {
		switch fc {
		case Email:
			return MaskEmail(value)
		case Phone:
			return MaskPhone(value)
		}
		return MaskGeneric(value, 4)
	}

	switch fc {
	case SSN:
		return MaskSSN(value)
	case CreditCard:
		return MaskCreditCard(value)
	case BankAccount:
		return MaskBankAccount(value)
	case MedicalID:
		return MaskMedicalID(value)
	}
	return MaskAll(value)
}
