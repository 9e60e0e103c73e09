// Package nrql quotes NRQL identifiers and literals and builds the probe
// queries used during discovery.
package nrql

import (
	"regexp"
	"strings"
)

// QuoteIdentifier quotes an event type or attribute name with backticks.
// It escapes any existing backticks by doubling them.
// Example: "entity.guid" -> "`entity.guid`"
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteString quotes a string literal with single quotes, escaping
// backslashes and embedded quotes.
// Example: "it's" -> "'it\'s'"
func QuoteString(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(value) + "'"
}

// validEventTypeRegex matches the event type names the service reports.
var validEventTypeRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_:.\-]*$`)

// IsValidEventType checks if a name looks like a reportable event type.
func IsValidEventType(name string) bool {
	return validEventTypeRegex.MatchString(name)
}

// QuoteEventTypeSafe quotes an event type after validating it.
func QuoteEventTypeSafe(name string) (string, error) {
	if !IsValidEventType(name) {
		return "", &InvalidIdentifierError{Name: name}
	}
	return QuoteIdentifier(name), nil
}

// InvalidIdentifierError is returned when an event type name contains invalid characters.
type InvalidIdentifierError struct {
	Name string
}

func (e *InvalidIdentifierError) Error() string {
	return "invalid event type: " + e.Name
}
