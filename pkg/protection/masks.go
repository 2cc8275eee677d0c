package protection

import (
	"strings"
	"unicode"
)

// PasswordPlaceholder replaces every password value regardless of length
const PasswordPlaceholder = "********"

func stars(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("*", n)
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MaskEmail keeps the first and last character of the local part.
// Local parts of two characters or fewer are fully starred. Values without an
// "@" fall back to MaskGeneric.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return MaskGeneric(email, 4)
	}
	local, domain := []rune(email[:at]), email[at+1:]
	if len(local) <= 2 {
		return stars(len(local)) + "@" + domain
	}
	return string(local[0]) + stars(len(local)-2) + string(local[len(local)-1]) + "@" + domain
}

// MaskPhone shows the first three and last four digits of a 10+ digit number,
// two and two for shorter ones, and nothing below four digits.
func MaskPhone(phone string) string {
	digits := digitsOf(phone)
	switch {
	case len(digits) < 4:
		return stars(len([]rune(phone)))
	case len(digits) >= 10:
		return digits[:3] + "***" + digits[len(digits)-4:]
	default:
		return digits[:2] + "***" + digits[len(digits)-2:]
	}
}

// MaskSSN renders ***-**-1234 for a nine-digit SSN
func MaskSSN(ssn string) string {
	digits := digitsOf(ssn)
	if len(digits) != 9 {
		return stars(len([]rune(ssn)))
	}
	return "***-**-" + digits[5:]
}

// MaskCreditCard renders ****-****-****-1234 for card numbers of 12+ digits
func MaskCreditCard(card string) string {
	digits := digitsOf(card)
	if len(digits) < 12 {
		return stars(len([]rune(card)))
	}
	return "****-****-****-" + digits[len(digits)-4:]
}

// MaskBankAccount shows the last four characters behind a fixed prefix
func MaskBankAccount(account string) string {
	r := []rune(account)
	if len(r) <= 4 {
		return stars(len(r))
	}
	return "****" + string(r[len(r)-4:])
}

// MaskMedicalID shows the first and last two characters
func MaskMedicalID(id string) string {
	r := []rune(id)
	if len(r) <= 4 {
		return stars(len(r))
	}
	return string(r[:2]) + "***" + string(r[len(r)-2:])
}

// MaskGeneric stars everything but the last show characters
func MaskGeneric(value string, show int) string {
	r := []rune(value)
	if len(r) <= show {
		return stars(len(r))
	}
	return stars(len(r)-show) + string(r[len(r)-show:])
}

// MaskPartial keeps two characters at each end; used for names and addresses
func MaskPartial(value string) string {
	r := []rune(value)
	if len(r) <= 4 {
		return stars(len(r))
	}
	return string(r[:2]) + stars(len(r)-4) + string(r[len(r)-2:])
}

// MaskDOBYear keeps only the year of a YYYY-MM-DD date
func MaskDOBYear(dob string) string {
	if idx := strings.Index(dob, "-"); idx > 0 {
		return dob[:idx] + "-**-**"
	}
	return "****-**-**"
}

// MaskAll stars every character
func MaskAll(value string) string {
	return stars(len([]rune(value)))
}

// MaskByCategory applies the display mask for category. Unlisted categories
// use MaskGeneric with four characters shown.
func MaskByCategory(category Category, value string) string {
	switch category {
	case Email:
		return MaskEmail(value)
	case Phone:
		return MaskPhone(value)
	case SSN:
		return MaskSSN(value)
	case CreditCard:
		return MaskCreditCard(value)
	case BankAccount:
		return MaskBankAccount(value)
	case MedicalID:
		return MaskMedicalID(value)
	case Name, Address:
		return MaskPartial(value)
	case Password:
		return PasswordPlaceholder
	default:
		return MaskGeneric(value, 4)
	}
}
