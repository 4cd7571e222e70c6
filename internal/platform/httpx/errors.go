package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors raised by the HTTP layer itself.
var (
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrorRule maps a sentinel error to a response status.
type ErrorRule struct {
	Target error
	Status int
	Title  string
}

var baseRules = []ErrorRule{
	{Target: ErrForbidden, Status: http.StatusForbidden, Title: "Forbidden"},
	{Target: ErrUnauthorized, Status: http.StatusUnauthorized, Title: "Unauthorized"},
}

// StatusFor returns the first rule matching err, falling back to 500.
func StatusFor(err error, rules []ErrorRule) ErrorRule {
	for _, set := range [][]ErrorRule{rules, baseRules} {
		for _, rule := range set {
			if errors.Is(err, rule.Target) {
				return rule
			}
		}
	}
	return ErrorRule{Status: http.StatusInternalServerError, Title: "Internal Server Error"}
}

// RespondError maps err through rules and writes the error envelope. Internal
// errors never leak their message.
func RespondError(w http.ResponseWriter, err error, rules []ErrorRule) {
	rule := StatusFor(err, rules)
	detail := err.Error()
	if rule.Status == http.StatusInternalServerError {
		detail = ""
	}
	Error(w, rule.Status, rule.Title, detail, nil)
}
