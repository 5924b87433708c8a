package steps

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// SpokenDateLayout is how dates are presented for reading aloud.
const SpokenDateLayout = "January 2, 2006"

var (
	ordinalSuffix = regexp.MustCompile(`\b(\d+)(st|nd|rd|th)\b`)
	fillerWords   = map[string]bool{"of": true, "the": true}
)

// normalize lowercases, replaces punctuation with spaces, strips ordinal
// suffixes and filler words, and collapses whitespace.
func normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	mapped = ordinalSuffix.ReplaceAllString(mapped, "$1")
	fields := strings.Fields(mapped)
	out := fields[:0]
	for _, f := range fields {
		if !fillerWords[f] {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

// phraseMatches accepts a transcript that equals or contains the expected
// phrase once both are normalized.
func phraseMatches(transcript, expected string) bool {
	t, e := normalize(transcript), normalize(expected)
	if e == "" {
		return false
	}
	return t == e || strings.Contains(" "+t+" ", " "+e+" ")
}

// dateMatches accepts the common numeric and spelled renderings of d.
func dateMatches(transcript string, d time.Time) bool {
	t := " " + normalize(transcript) + " "
	for _, candidate := range dateForms(d) {
		if strings.Contains(t, " "+candidate+" ") {
			return true
		}
	}
	return false
}

func dateForms(d time.Time) []string {
	year := strconv.Itoa(d.Year())
	month := int(d.Month())
	day := d.Day()
	name := strings.ToLower(d.Month().String())
	short := name[:3]

	forms := []string{
		name + " " + strconv.Itoa(day) + " " + year,
		strconv.Itoa(day) + " " + name + " " + year,
		short + " " + strconv.Itoa(day) + " " + year,
		strconv.Itoa(day) + " " + short + " " + year,
	}
	for _, m := range []string{strconv.Itoa(month), pad(month)} {
		for _, dd := range []string{strconv.Itoa(day), pad(day)} {
			forms = append(forms,
				year+" "+m+" "+dd,
				m+" "+dd+" "+year,
				dd+" "+m+" "+year,
			)
		}
	}
	return forms
}

func pad(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
