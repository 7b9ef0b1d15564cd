package util

import (
	"regexp"
)

// Global var used to strips ansi sequences
var reANSIEscapeChars = regexp.MustCompile("\x1B\\[(?:[0-9]{1,2}(?:;[0-9]{1,2})?)*[a-zA-Z]")

// StripANSISequence strips ANSI escape sequences from the given string
func StripANSISequence(s string) string {
	return reANSIEscapeChars.ReplaceAllString(s, "")
}

type causer interface {
	Cause() error
}

type unwrapper interface {
	Unwrap() error
}

type exitStatuser interface {
	ExitStatus() int
}

// GetExitStatus walks the chain of err looking for an error that
// carries a process exit status. It returns 1 and false when none does.
func GetExitStatus(err error) (int, bool) {
	for e := err; e != nil; {
		if ese, ok := e.(exitStatuser); ok {
			return ese.ExitStatus(), true
		}
		switch v := e.(type) {
		case causer:
			if c := v.Cause(); c != e {
				e = c
				continue
			}
		case unwrapper:
			e = v.Unwrap()
			continue
		}
		break
	}
	return 1, false
}
