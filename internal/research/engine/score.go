package engine

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	fractionRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)`)
	percentRe  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	labelRe    = regexp.MustCompile(`(?i)(?:score|rating)\s*[:=]?\s*(\d+(?:\.\d+)?)`)
	numberRe   = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// ParseScore reads a usefulness score from free text and clamps it to [0,1].
// It understands "0.8", "8/10", "80%" and "score: 0.8". Bare numbers above 1 are read
// as a 10-point scale up to 10 and as a percentage up to 100.
func ParseScore(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	if m := fractionRe.FindStringSubmatch(text); m != nil {
		num, _ := strconv.ParseFloat(m[1], 64)
		den, _ := strconv.ParseFloat(m[2], 64)
		if den > 0 {
			return clamp01(num / den), true
		}
	}
	if m := percentRe.FindStringSubmatch(text); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		return clamp01(v / 100), true
	}
	raw := ""
	if m := labelRe.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if m := numberRe.FindString(text); m != "" {
		raw = m
	}
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	switch {
	case v > 1 && v <= 10:
		v /= 10
	case v > 10 && v <= 100:
		v /= 100
	}
	return clamp01(v), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
