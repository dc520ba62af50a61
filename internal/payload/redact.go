package payload

import "strings"

// RedactionMarker replaces every sensitive value that is retained anywhere.
const RedactionMarker = "[REDACTED]"

var sensitiveNames = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"privatekey",
	"creditcard",
	"cardnumber",
	"ssn",
	"cvv",
}

var fieldNameFolder = strings.NewReplacer("-", "", "_", "", ".", "", " ", "")

// IsSensitiveField reports whether a field name looks like it holds a
// credential or card/identity number. Matching is a case-insensitive
// substring test after separators are removed, so "Credit-Card",
// "credit_card_number" and "X-Auth-Token" all match.
func IsSensitiveField(name string) bool {
	folded := strings.ToLower(fieldNameFolder.Replace(name))
	for _, s := range sensitiveNames {
		if strings.Contains(folded, s) {
			return true
		}
	}
	return false
}

// Sensitive reports whether any segment of p is a sensitive name.
func (p Path) Sensitive() bool {
	for _, seg := range p {
		if IsSensitiveField(seg) {
			return true
		}
	}
	return false
}

var redactor = Rewriter{
	Field: func(_ Path, key string, _ interface{}) (interface{}, bool) {
		if IsSensitiveField(key) {
			return RedactionMarker, true
		}
		return nil, false
	},
}

// Redact returns a copy of v with every sensitive-named field, at any
// depth, replaced by RedactionMarker.
func Redact(v interface{}) interface{} {
	return redactor.Rewrite(v)
}
