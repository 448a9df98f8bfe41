package compiler

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// LogError is a single error extracted from a LaTeX .log file.
type LogError struct {
	// Line is the offending line in the .tex source, 0 when unknown.
	Line int

	// Message is the human-readable error text.
	Message string
}

var (
	reErrorLine   = regexp.MustCompile(`(?m)^! (.+)$`)
	reLineNumber  = regexp.MustCompile(`(?m)^l\.(\d+)\s`)
	reMissingPkg  = regexp.MustCompile("! LaTeX Error: File `([^']+)' not found")
	reDimTooLarge = regexp.MustCompile(`! Dimension too large`)
	reRunawayArg  = regexp.MustCompile(`(?m)^Runaway argument\?`)
)

// ParseLog extracts the errors that caused a compilation failure from a
// .log file. Warnings are not parsed.
func ParseLog(logPath string) []LogError {
	raw, err := os.ReadFile(logPath)
	if err != nil {
		return []LogError{{
			Message: "log file not found (compilation may have crashed)",
		}}
	}
	text := string(raw)

	var errs []LogError
	for _, m := range reErrorLine.FindAllStringSubmatchIndex(text, -1) {
		msg := strings.TrimSpace(text[m[2]:m[3]])

		// A window around the error usually holds the l.<n> marker.
		start := max(0, m[0]-200)
		end := min(len(text), m[1]+500)
		context := text[start:end]

		line := 0
		if lm := reLineNumber.FindStringSubmatch(context); lm != nil {
			line, _ = strconv.Atoi(lm[1])
		}

		if pm := reMissingPkg.FindStringSubmatch(text[m[0]:m[1]]); pm != nil {
			msg = fmt.Sprintf("missing package %q: install it via your TeX distribution", pm[1])
		}
		if reDimTooLarge.MatchString(context) {
			msg += " [hint: a coordinate exceeded TeX's maximum dimension; check the parameter range]"
		}

		errs = append(errs, LogError{Line: line, Message: msg})
	}

	for range reRunawayArg.FindAllString(text, -1) {
		errs = append(errs, LogError{
			Message: "runaway argument detected, usually mismatched braces in the template",
		})
	}

	if len(errs) == 0 && strings.Contains(text, "! ") {
		errs = append(errs, LogError{
			Message: "compilation failed (unrecognized error format)",
		})
	}
	return errs
}

// FormatErrors renders parsed log errors into one diagnostic string.
func FormatErrors(errs []LogError) string {
	if len(errs) == 0 {
		return "no errors detected in log"
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		loc := "unknown location"
		if e.Line > 0 {
			loc = fmt.Sprintf("line %d", e.Line)
		}
		parts[i] = fmt.Sprintf("[%d] %s (%s)", i+1, e.Message, loc)
	}
	return strings.Join(parts, "; ")
}
