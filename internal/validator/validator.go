package validator

import (
	"regexp"
	"strings"
)

var (
	// RgxAccountNumber matches a 10-digit NUBAN account number.
	RgxAccountNumber = regexp.MustCompile(`^[0-9]{10}$`)

	// RgxPin matches a 4-digit transaction PIN.
	RgxPin = regexp.MustCompile(`^[0-9]{4}$`)

	// RgxReference matches a processor reference: bounded-length alphanumeric
	// plus underscore and hyphen. Anything else is rejected before admission.
	RgxReference = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

type Validator struct {
	Errors []string `json:",omitempty"`
}

func (v Validator) HasErrors() bool {
	return len(v.Errors) != 0
}

func (v *Validator) AddError(message string) {
	if v.Errors == nil {
		v.Errors = []string{}
	}

	v.Errors = append(v.Errors, message)
}

func (v *Validator) Check(ok bool, message string) {
	if !ok {
		v.AddError(message)
	}
}

func NotBlank(value string) bool {
	return strings.TrimSpace(value) != ""
}

func Matches(value string, rx *regexp.Regexp) bool {
	return rx.MatchString(value)
}
