// Package sanitizer cleans and validates POST field data against a site's
// PostRule field rules, following
// original_source/backend/shield/sanitizer.py. HTML stripping uses
// microcosm-cc/bluemonday's strict policy in place of the original's
// bleach.clean(tags=[], strip=True) call — same "drop every tag" posture,
// idiomatic Go equivalent.
package sanitizer

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"github.com/BetterCallFirewall/shield/internal/models"
)

var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(union|select|insert|update|delete|drop|alter|create|exec|execute)\b.*\b(from|into|table|database|where)\b`),
	regexp.MustCompile(`(?i)(--|;|/\*|\*/|@@)`),
	regexp.MustCompile(`(?i)\b(or|and)\b\s+\d+\s*=\s*\d+`),
	regexp.MustCompile(`(?i)'\s*(or|and)\s+'`),
	regexp.MustCompile(`0x[0-9a-fA-F]+`),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)<iframe[\s>]`),
	regexp.MustCompile(`(?i)<object[\s>]`),
	regexp.MustCompile(`(?i)<embed[\s>]`),
	regexp.MustCompile(`(?i)<link[\s>]`),
	regexp.MustCompile(`(?i)expression\s*\(`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
}

var commandInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[;&|` + "`" + `$]`),
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)(cat|ls|rm|mv|cp|chmod|chown|wget|curl|bash|sh|nc|netcat)\s`),
}

var fieldTypeValidators = map[models.FieldType]*regexp.Regexp{
	models.FieldEmail:  regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`),
	models.FieldPhone:  regexp.MustCompile(`^[\d\s+\-().]{6,20}$`),
	models.FieldNumber: regexp.MustCompile(`^-?\d+(\.\d+)?$`),
	models.FieldURL:    regexp.MustCompile(`^https?://[^\s<>"']+$`),
}

var (
	nonEmailChars = regexp.MustCompile(`[^\w.@+\-]`)
	nonPhoneChars = regexp.MustCompile(`[^\d\s+\-().]`)
	nonNumberChars = regexp.MustCompile(`[^\d.\-]`)
	urlSchemePrefix = regexp.MustCompile(`^https?://`)
)

var htmlStripper = bluemonday.StrictPolicy()

// DetectSQLInjection reports whether value matches any known SQLi pattern.
func DetectSQLInjection(value string) bool { return matchesAny(sqlInjectionPatterns, value) }

// DetectXSS reports whether value matches any known XSS pattern.
func DetectXSS(value string) bool { return matchesAny(xssPatterns, value) }

// DetectCommandInjection reports whether value matches any known shell
// command-injection pattern.
func DetectCommandInjection(value string) bool { return matchesAny(commandInjectionPatterns, value) }

func matchesAny(patterns []*regexp.Regexp, value string) bool {
	for _, p := range patterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

// CleanValue normalizes and strips a raw field value: Unicode NFC
// normalization, null-byte removal, HTML-tag stripping (applied twice
// around an HTML-entity unescape so a double-encoded payload can't survive
// as literal tags), then a field-type-specific character filter.
func CleanValue(value string, fieldType models.FieldType) string {
	value = norm.NFC.String(value)
	value = strings.ReplaceAll(value, "\x00", "")
	value = htmlStripper.Sanitize(value)
	value = html.UnescapeString(value)
	value = htmlStripper.Sanitize(value)

	switch fieldType {
	case models.FieldEmail:
		value = nonEmailChars.ReplaceAllString(value, "")
	case models.FieldPhone:
		value = nonPhoneChars.ReplaceAllString(value, "")
	case models.FieldNumber:
		value = nonNumberChars.ReplaceAllString(value, "")
	case models.FieldURL:
		if !urlSchemePrefix.MatchString(value) {
			value = ""
		}
	}

	return strings.TrimSpace(value)
}

// ValidateFieldType reports whether value conforms to fieldType's format,
// text fields always passing.
func ValidateFieldType(value string, fieldType models.FieldType) bool {
	validator, ok := fieldTypeValidators[fieldType]
	if !ok {
		return true
	}
	return validator.MatchString(value)
}

// SanitizeAndValidate cleans rawData against fields, dropping unknown keys
// (logged, not erroring) and returning the cleaned values alongside any
// validation errors. A field failing any check is omitted from the result
// and its error recorded; it never gets a partial/unsanitized value.
func SanitizeAndValidate(rawData map[string]string, fields []models.RuleField) (map[string]string, []string) {
	sanitized := map[string]string{}
	var errs []string

	allowed := map[string]struct{}{}
	for _, f := range fields {
		allowed[f.FieldName] = struct{}{}
	}
	for key := range rawData {
		if _, ok := allowed[key]; !ok {
			log.Warn().Str("field", key).Msg("stripped unknown field")
		}
	}

	for _, field := range fields {
		maxLength := field.MaxLength
		if maxLength <= 0 {
			maxLength = 1000
		}
		raw := rawData[field.FieldName]

		if field.Required && raw == "" {
			errs = append(errs, fmt.Sprintf("field '%s' is required", field.FieldName))
			continue
		}
		if raw == "" {
			continue
		}
		if len(raw) > maxLength {
			errs = append(errs, fmt.Sprintf("field '%s' exceeds max length (%d)", field.FieldName, maxLength))
			continue
		}
		if DetectSQLInjection(raw) || DetectXSS(raw) {
			errs = append(errs, fmt.Sprintf("field '%s' contains potentially dangerous content", field.FieldName))
			continue
		}

		clean := CleanValue(raw, field.FieldType)

		if !ValidateFieldType(clean, field.FieldType) {
			errs = append(errs, fmt.Sprintf("field '%s' has invalid format for type '%s'", field.FieldName, field.FieldType))
			continue
		}

		if field.ValidationRegex != "" {
			re, err := regexp.Compile(field.ValidationRegex)
			if err != nil || !re.MatchString(clean) {
				errs = append(errs, fmt.Sprintf("field '%s' does not match required pattern", field.FieldName))
				continue
			}
		}

		sanitized[field.FieldName] = clean
	}

	return sanitized, errs
}
