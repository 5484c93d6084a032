package filler

import (
	"strings"
	"time"
)

// tagDateLayout is the format the target forms expect, uppercased after formatting.
const tagDateLayout = "Jan-02-2006"

// Month names are matched case-insensitively by time.Parse, so "jan-01-2024"
// parses with tagDateLayout.
var dateLayouts = []string{
	"2006-01-02",
	tagDateLayout,
	"01/02/2006",
	"2006/01/02",
	"02-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	time.RFC3339,
}

// NormalizeDate converts a date into MON-DD-YYYY. Input that matches none of the
// known layouts is returned uppercased rather than rejected.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return strings.ToUpper(t.Format(tagDateLayout))
		}
	}
	return strings.ToUpper(s)
}
