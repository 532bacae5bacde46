package sanitizer

import (
	"net/url"
	"regexp"
	"strings"
)

var lfiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`\.\.\\`),
	regexp.MustCompile(`(?i)\.\.%2f`),
	regexp.MustCompile(`(?i)\.\.%5c`),
	regexp.MustCompile(`(?i)php://`),
	regexp.MustCompile(`(?i)file://`),
	regexp.MustCompile(`(?i)filter://`),
	regexp.MustCompile(`(?i)expect://`),
	regexp.MustCompile(`(?i)zip://`),
	regexp.MustCompile(`(?i)phar://`),
	regexp.MustCompile(`(?i)data://`),
	regexp.MustCompile(`(?i)glob://`),
	regexp.MustCompile(`/etc/passwd`),
	regexp.MustCompile(`/etc/shadow`),
	regexp.MustCompile(`/proc/self`),
	regexp.MustCompile(`(?i)wp-config\.php`),
	regexp.MustCompile(`(?i)\.htaccess`),
	regexp.MustCompile(`(?i)web\.config`),
}

var suspiciousParamNames = map[string]struct{}{
	"loop-file": {}, "template": {}, "file": {}, "filepath": {}, "path": {},
	"page": {}, "include": {}, "require": {}, "dir": {}, "document": {},
	"folder": {}, "root": {}, "pg": {}, "style": {}, "php-path": {},
	"doc": {}, "document-root": {}, "load-file": {},
}

var nullBytePattern = regexp.MustCompile(`(?i)%00|\\x00|\x00`)

const maxDecodeRounds = 3

// deepDecode recursively URL-decodes value to catch double/triple encoding,
// stopping once decoding stops changing the string or the round limit hits.
func deepDecode(value string) string {
	prev := value
	for i := 0; i < maxDecodeRounds; i++ {
		decoded, err := url.QueryUnescape(prev)
		if err != nil || decoded == prev {
			break
		}
		prev = decoded
	}
	return prev
}

// ScanValueForLFI checks value (and its deep-decoded form) against every LFI
// pattern, returning the matched pattern's source text or "" if clean.
func ScanValueForLFI(value string) string {
	decoded := deepDecode(value)
	for _, variant := range [2]string{value, decoded} {
		for _, pattern := range lfiPatterns {
			if pattern.MatchString(variant) {
				return pattern.String()
			}
		}
	}
	return ""
}

// ScanValueForNullByte checks value (and its deep-decoded form) for an
// encoded or literal NUL byte.
func ScanValueForNullByte(value string) bool {
	decoded := deepDecode(value)
	return nullBytePattern.MatchString(value) || nullBytePattern.MatchString(decoded)
}

// InjectionThreat describes a blocked POST field.
type InjectionThreat struct {
	Threat  string
	Param   string
	Pattern string
}

// ScanPostData scans every POST field value for LFI and null-byte payloads.
// An LFI hit in a field whose name is on the suspicious-parameter list
// (template/file/path params) is reported as lfi_suspicious_param, a hit in
// any other field as lfi_value. Fields are visited in map order, so when
// several fields carry threats, which one is returned is not defined.
// Returns nil if the submission is clean.
func ScanPostData(rawData map[string]string) *InjectionThreat {
	for name, value := range rawData {
		normalizedName := strings.ReplaceAll(strings.ToLower(name), "_", "-")
		if _, suspicious := suspiciousParamNames[normalizedName]; suspicious {
			if hit := ScanValueForLFI(value); hit != "" {
				return &InjectionThreat{Threat: "lfi_suspicious_param", Param: name, Pattern: hit}
			}
		}

		if hit := ScanValueForLFI(value); hit != "" {
			return &InjectionThreat{Threat: "lfi_value", Param: name, Pattern: hit}
		}

		if ScanValueForNullByte(value) {
			return &InjectionThreat{Threat: "null_byte", Param: name}
		}
	}
	return nil
}
