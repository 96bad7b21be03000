package users

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const defaultAddressNumber = 1

var houseNumberPattern = regexp.MustCompile(`^[0-9]+\s{0,2}[A-Za-z]{0,2}$`)

// Address is a postal address kept in the provider's user metadata.
// ID and AddressType are carried through unchanged for provider compatibility.
type Address struct {
	ID            int
	AddressType   int
	RecipientName string
	Title         string
	FirstName     string
	LastName      string
	HouseNameNo   string
	Street        string
	Town          string
	County        string
	Country       string
	Postcode      string
	Telephone     string
}

// NewAddress returns an empty address with the provider's default identifiers.
func NewAddress() Address {
	return Address{ID: defaultAddressNumber, AddressType: defaultAddressNumber}
}

// AddressFromProviderJSON reads the provider-cased metadata representation.
func AddressFromProviderJSON(data map[string]any) Address {
	return Address{
		ID:            providerInt(data["Id"]),
		AddressType:   providerInt(data["AddressType"]),
		RecipientName: providerString(data["RecipientName"]),
		Title:         providerString(data["Title"]),
		FirstName:     providerString(data["FirstName"]),
		LastName:      providerString(data["LastName"]),
		HouseNameNo:   providerString(data["HouseNameNo"]),
		Street:        providerString(data["Street"]),
		Town:          providerString(data["Town"]),
		County:        providerString(data["County"]),
		Country:       providerString(data["Country"]),
		Postcode:      providerString(data["Postcode"]),
		Telephone:     providerString(data["Telephone"]),
	}
}

// ToProviderJSON emits the metadata representation. The recipient is always
// written as the combined Name, never as separate title and name parts.
func (a Address) ToProviderJSON() map[string]any {
	return map[string]any{
		"Id":            a.ID,
		"AddressType":   a.AddressType,
		"RecipientName": a.Name(),
		"HouseNameNo":   a.HouseNameNo,
		"Street":        a.Street,
		"Town":          a.Town,
		"County":        a.County,
		"Country":       a.Country,
		"Postcode":      a.Postcode,
		"Telephone":     a.Telephone,
	}
}

// Name is the recipient name, falling back to title, first and last name.
func (a Address) Name() string {
	if a.RecipientName != "" {
		return a.RecipientName
	}
	parts := make([]string, 0, 3)
	for _, part := range []string{a.Title, a.FirstName, a.LastName} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}

// Lines renders the address for display and printing.
func (a Address) Lines() []string {
	lines := []string{a.Name()}
	if LooksLikeHouseNumber(a.HouseNameNo) {
		lines = append(lines, a.HouseNameNo+" "+a.Street)
	} else {
		lines = append(lines, a.HouseNameNo, a.Street)
	}
	lines = append(lines, a.Town)
	if a.County != "" {
		lines = append(lines, a.County)
	}
	lines = append(lines, a.Country, a.Postcode)
	if a.Telephone != "" {
		lines = append(lines, "Tel: "+a.Telephone)
	}
	return lines
}

// LooksLikeHouseNumber reports values such as "12", "221B" or "4 a".
func LooksLikeHouseNumber(value string) bool {
	return houseNumberPattern.MatchString(value)
}

// addressFields maps form keys onto the settable attributes.
var addressFields = map[string]func(*Address, string){
	"recipient_name": func(a *Address, v string) { a.RecipientName = v },
	"title":          func(a *Address, v string) { a.Title = v },
	"first_name":     func(a *Address, v string) { a.FirstName = v },
	"last_name":      func(a *Address, v string) { a.LastName = v },
	"house_name_no":  func(a *Address, v string) { a.HouseNameNo = v },
	"street":         func(a *Address, v string) { a.Street = v },
	"town":           func(a *Address, v string) { a.Town = v },
	"county":         func(a *Address, v string) { a.County = v },
	"country":        func(a *Address, v string) { a.Country = v },
	"postcode":       func(a *Address, v string) { a.Postcode = v },
	"telephone":      func(a *Address, v string) { a.Telephone = v },
}

// Apply sets the known attributes present in fields and returns the keys it used.
// Unknown keys are ignored.
func (a *Address) Apply(fields map[string]string) []string {
	applied := make([]string, 0, len(fields))
	for key, value := range fields {
		setter, ok := addressFields[key]
		if !ok {
			continue
		}
		setter(a, strings.TrimSpace(value))
		applied = append(applied, key)
	}
	sort.Strings(applied)
	return applied
}

func providerString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

func providerInt(value any) int {
	switch typed := value.(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return int(parsed)
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(typed)); err == nil {
			return parsed
		}
	}
	return defaultAddressNumber
}
