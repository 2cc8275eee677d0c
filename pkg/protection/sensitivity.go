package protection

import (
	"fmt"
	"strings"
)

// SensitivityLevel orders how much protection a record needs
type SensitivityLevel string

const (
	Public       SensitivityLevel = "public"
	Internal     SensitivityLevel = "internal"
	Confidential SensitivityLevel = "confidential"
	Restricted   SensitivityLevel = "restricted"
)

func (l SensitivityLevel) rank() int {
	switch l {
	case Internal:
		return 1
	case Confidential:
		return 2
	case Restricted:
		return 3
	default:
		return 0
	}
}

// Compare returns -1, 0 or 1 as l is less than, equal to, or greater than other
func (l SensitivityLevel) Compare(other SensitivityLevel) int {
	a, b := l.rank(), other.rank()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l >= other
func (l SensitivityLevel) AtLeast(other SensitivityLevel) bool {
	return l.Compare(other) >= 0
}

// Valid reports whether l is one of the four known levels
func (l SensitivityLevel) Valid() bool {
	switch l {
	case Public, Internal, Confidential, Restricted:
		return true
	}
	return false
}

// ParseSensitivityLevel parses a level name case-insensitively
func ParseSensitivityLevel(s string) (SensitivityLevel, error) {
	l := SensitivityLevel(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown sensitivity level %q", s)
	}
	return l, nil
}

// IntegrationCategory selects the external sanitization policy
type IntegrationCategory string

const (
	CategoryFinancial IntegrationCategory = "financial"
	CategoryMedical   IntegrationCategory = "medical"
	CategoryGeneral   IntegrationCategory = "general"
	CategoryPublic    IntegrationCategory = "public"
)

// Normalize maps unknown categories to general
func (c IntegrationCategory) Normalize() IntegrationCategory {
	switch c {
	case CategoryFinancial, CategoryMedical, CategoryGeneral, CategoryPublic:
		return c
	}
	return CategoryGeneral
}
