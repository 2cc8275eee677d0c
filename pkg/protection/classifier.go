package protection

import "strings"

// Category is a sensitive-field category. The empty Category means the field
// is unclassified and passes through untouched.
type Category string

const (
	Unclassified Category = ""
	Email        Category = "email"
	Phone        Category = "phone"
	SSN          Category = "ssn"
	CreditCard   Category = "credit_card"
	BankAccount  Category = "bank_account"
	MedicalID    Category = "medical_id"
	Address      Category = "address"
	Name         Category = "name"
	DOB          Category = "dob"
	Password     Category = "password"
)

type catalogEntry struct {
	category Category
	keywords []string
}

// catalog order is the tie-break: the first entry with a matching keyword
// wins, so "email_address" is Email rather than Address.
var catalog = []catalogEntry{
	{Email, []string{"email", "email_address", "user_email"}},
	{Phone, []string{"phone", "phone_number", "mobile", "telephone"}},
	{SSN, []string{"ssn", "social_security", "social_security_number"}},
	{CreditCard, []string{"credit_card", "card_number", "cc_number"}},
	{BankAccount, []string{"bank_account", "account_number", "routing_number"}},
	{MedicalID, []string{"medical_id", "patient_id", "mrn", "medical_record_number"}},
	{Address, []string{"address", "street_address", "home_address"}},
	{Name, []string{"full_name", "first_name", "last_name", "patient_name"}},
	{DOB, []string{"date_of_birth", "birth_date", "dob"}},
	{Password, []string{"password", "hashed_password", "pwd"}},
}

// Categories returns the catalog categories in match order
func Categories() []Category {
	out := make([]Category, len(catalog))
	for i, e := range catalog {
		out[i] = e.category
	}
	return out
}

// ClassifyName returns the category of a field by name alone
func ClassifyName(field string) Category {
	lower := strings.ToLower(field)
	for _, entry := range catalog {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.category
			}
		}
	}
	return Unclassified
}

// Classify returns the category of a field. Only non-empty string values are
// classified; everything else is Unclassified. Name matching is a heuristic:
// a sensitive value under an innocuous key is not detected.
func Classify(field string, value interface{}) Category {
	s, ok := value.(string)
	if !ok || s == "" {
		return Unclassified
	}
	return ClassifyName(field)
}

// IdentifyFields returns the category of every classified field in record
func IdentifyFields(record map[string]interface{}) map[string]Category {
	found := make(map[string]Category)
	for field, value := range record {
		if c := Classify(field, value); c != Unclassified {
			found[field] = c
		}
	}
	return found
}
