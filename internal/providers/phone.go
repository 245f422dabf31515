// Package providers holds the messaging backends OTPs are delivered over.
// Each backend lives in its own sub-package and implements models.Provider.
package providers

import (
	"errors"
	"regexp"
	"strings"
)

var reE164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// ErrInvalidPhone is returned for phone numbers not in E.164 format.
var ErrInvalidPhone = errors.New("invalid mobile number")

// ValidatePhone checks that to is an E.164 phone number, eg: +919876543210.
func ValidatePhone(to string) error {
	if !reE164.MatchString(to) {
		return ErrInvalidPhone
	}
	return nil
}

var phoneSeps = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "")

// SanitizePhone normalizes a phone number towards E.164. Separators are
// stripped, a 00 international prefix is rewritten to + and local numbers
// get defaultCode (eg: "+91") prefixed. A leading trunk 0 on a local number
// is dropped. The result still has to be checked with ValidatePhone.
func SanitizePhone(phone, defaultCode string) string {
	phone = phoneSeps.Replace(strings.TrimSpace(phone))

	if strings.HasPrefix(phone, "+") {
		return phone
	} else if strings.HasPrefix(phone, "00") {
		return "+" + phone[2:]
	}

	if defaultCode == "" {
		return phone
	}
	return defaultCode + strings.TrimPrefix(phone, "0")
}
