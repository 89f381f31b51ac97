package translate

import (
	"regexp"
	"strconv"
)

var returnCodePattern = regexp.MustCompile(`returnCode="([0-9]{3})"`)

// Status is the decoded return code of a response. OK is false when the
// payload carries no returnCode attribute.
type Status struct {
	Code int
	OK   bool
}

// DecodeStatus extracts the first returnCode="NNN" attribute from body. It
// works on raw text so a truncated or otherwise invalid document still yields
// its code.
func DecodeStatus(body []byte) Status {
	m := returnCodePattern.FindSubmatch(body)
	if m == nil {
		return Status{}
	}
	code, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return Status{}
	}
	return Status{Code: code, OK: true}
}
