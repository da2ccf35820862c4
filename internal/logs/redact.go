// -----------------------------------------------------------------------
// Field redaction applied before log events leave the process
// -----------------------------------------------------------------------

package logs

import (
	"fmt"
	"strings"
)

// RedactedValue replaces the value of any field whose name matches the
// redaction list.
const RedactedValue = "[REDACTED]"

// sensitiveFragments are matched case-insensitively against field names.
// A field is redacted when its lower-cased name contains any fragment.
var sensitiveFragments = []string{
	"password",
	"token",
	"apikey",
	"api_key",
	"authorization",
	"cookie",
	"secret",
	"encrypteddata",
	"encrypted_data",
	"serviceaccountjson",
	"service_account_json",
	"private_key",
	"privatekey",
}

// IsSensitiveField reports whether a structured field name must never be
// emitted with its original value.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RedactFields returns a copy of fields with sensitive values masked. The
// input map is never mutated; nil input returns nil.
func RedactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for name, value := range fields {
		if IsSensitiveField(name) {
			out[name] = RedactedValue
			continue
		}
		// Nested payloads (decoded JSON bodies echoed by handlers) are
		// walked so a sensitive leaf cannot hide one level down.
		if nested, ok := value.(map[string]interface{}); ok {
			out[name] = RedactFields(nested)
			continue
		}
		out[name] = value
	}
	return out
}

// AppendFields renders redacted fields as " key=value" suffixes for plain
// message lines, matching how worker logs carry their context.
func AppendFields(message string, fields map[string]interface{}) string {
	if len(fields) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString(message)
	for name, value := range RedactFields(fields) {
		b.WriteString(" ")
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(stringify(value))
	}
	return b.String()
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
