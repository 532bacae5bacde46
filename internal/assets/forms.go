// Package assets extracts and downloads page assets (CSS/JS/images/fonts)
// and detects security-relevant forms, reusing goquery the way the
// teacher's internal/utils/form_extractor.go does.
package assets

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/BetterCallFirewall/shield/internal/models"
)

var csrfFieldPattern = regexp.MustCompile(`(?i)(csrf[_-]?token|_token|authenticity_token|x-csrf-token)`)

var sensitiveFieldNamePattern = []string{"password", "pass", "secret", "token", "key", "ssn", "credit"}

// FormExtractor finds forms in crawled HTML, used both to populate
// Page.DetectedForms and to seed auto-generated PostRules in learn mode.
type FormExtractor struct{}

func NewFormExtractor() *FormExtractor { return &FormExtractor{} }

// ExtractForms returns every <form> in htmlContent that has an action and
// either a CSRF token or a sensitive field.
func (fe *FormExtractor) ExtractForms(htmlContent string) []models.HTMLForm {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil
	}

	var forms []models.HTMLForm

	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		action, _ := s.Attr("action")
		method, _ := s.Attr("method")
		if method == "" {
			method = "GET"
		}
		if action == "" || action == "#" {
			return
		}

		form := models.HTMLForm{
			FormID: formID(action, method),
			Action: action,
			Method: strings.ToUpper(method),
		}

		s.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
			fieldType, _ := field.Attr("type")
			if fieldType == "" {
				fieldType = "text"
			}
			name, _ := field.Attr("name")
			if name == "" {
				return
			}

			if !form.HasCSRFToken && csrfFieldPattern.MatchString(name) {
				form.HasCSRFToken = true
				form.CSRFTokenName = name
			}

			form.Fields = append(form.Fields, models.FormField{
				Name:      name,
				Type:      fieldType,
				Sensitive: isSensitiveField(fieldType, name),
			})
		})

		if form.HasCSRFToken || hasSensitiveFields(form.Fields) {
			forms = append(forms, form)
		}
	})

	return forms
}

func formID(action, method string) string {
	sum := sha256.Sum256([]byte(action + "|" + method))
	return fmt.Sprintf("%x", sum)[:16]
}

func isSensitiveField(fieldType, name string) bool {
	name = strings.ToLower(name)
	fieldType = strings.ToLower(fieldType)

	if fieldType == "password" || fieldType == "email" || fieldType == "tel" {
		return true
	}
	for _, pattern := range sensitiveFieldNamePattern {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

func hasSensitiveFields(fields []models.FormField) bool {
	for _, f := range fields {
		if f.Sensitive {
			return true
		}
	}
	return false
}

// LooksLikeDirectoryListing implements the crawler's directory-listing
// heuristic: title starts with "Index of" or a parent-directory link is
// present.
func LooksLikeDirectoryListing(htmlContent string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return false
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if strings.HasPrefix(strings.ToLower(title), "index of") {
		return true
	}

	found := false
	doc.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.TrimSpace(a.Text())
		href, _ := a.Attr("href")
		if strings.EqualFold(text, "Parent Directory") || href == "../" {
			found = true
			return false
		}
		return true
	})
	return found
}
