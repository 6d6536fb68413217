// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package normalize canonicalizes filenames and torrent names for comparison.
//
// Two profiles are exposed:
//   - Strict applies NFC only and is used for exact-equality checks that decide
//     whether a rename is needed.
//   - Loose applies NFKC, strips zero-width characters, collapses whitespace,
//     lowercases and unifies CJK half/full-width forms. It is used for
//     similarity pairing where trackers and clients disagree on encoding.
package normalize

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Profile selects how aggressively a string is canonicalized.
type Profile int

const (
	// Strict folds to NFC and nothing else.
	Strict Profile = iota
	// Loose folds to NFKC, removes invisible characters, collapses whitespace
	// runs, lowercases and unifies half/full-width CJK forms.
	Loose
)

var (
	// Zero-width and BOM code points that drift between trackers and local
	// filesystems without changing what a human sees.
	zeroWidthChars = regexp.MustCompile(`[\x{200B}-\x{200F}\x{2060}\x{FEFF}\x{00AD}]`)
	controlChars   = regexp.MustCompile(`[\x{0000}-\x{001F}\x{007F}-\x{009F}]`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// String returns the canonical form of s under the given profile.
// String is idempotent: String(String(s, p), p) == String(s, p).
func String(s string, profile Profile) string {
	if profile == Strict {
		return norm.NFC.String(s)
	}

	s = zeroWidthChars.ReplaceAllString(s, "")
	s = controlChars.ReplaceAllString(s, " ")
	s = norm.NFKC.String(s)
	s = width.Fold.String(s)
	s = strings.ToLower(s)
	s = whitespaceRuns.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Path normalizes every segment of a slash-separated relative path under the
// given profile, preserving the segment structure.
func Path(p string, profile Profile) string {
	p = strings.ReplaceAll(p, "\\", "/")
	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		if seg == "" || seg == "." {
			continue
		}
		out = append(out, String(seg, profile))
	}
	return strings.Join(out, "/")
}

var (
	garbledChars = regexp.MustCompile(`[?\x{FF1F}\x{FFFD}\x{00B7}~` + "`" + `!@#$%^&*+=|\\:";'<>,/_\-.]`)

	// Artwork and scan names that match half the music catalog; searching for
	// them returns noise rather than candidates.
	genericFilenames = map[string]bool{
		"cover":    true,
		"folder":   true,
		"front":    true,
		"back":     true,
		"cd":       true,
		"disc":     true,
		"disk":     true,
		"artwork":  true,
		"booklet":  true,
		"inlay":    true,
		"inside":   true,
		"outside":  true,
		"scan":     true,
		"scans":    true,
		"thumb":    true,
		"albumart": true,
	}
)

// SearchQuery derives a tracker search query from a filename: the basename
// with its extension removed, garbled and invisible characters replaced by
// spaces and whitespace runs collapsed. Returns "" when the remaining name is
// too generic to be worth searching.
func SearchQuery(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}

	name = zeroWidthChars.ReplaceAllString(name, " ")
	name = controlChars.ReplaceAllString(name, " ")
	name = garbledChars.ReplaceAllString(name, " ")
	name = whitespaceRuns.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	if genericFilenames[strings.ToLower(name)] {
		return ""
	}
	return name
}

// StripReleaseTags removes bracketed tags (year, codec, source and similar)
// from a release directory name before it is used as a search query.
func StripReleaseTags(name string) string {
	name = bracketTags.ReplaceAllString(name, " ")
	name = whitespaceRuns.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

var bracketTags = regexp.MustCompile(`[\[({][^\])}]*[\])}]`)

// SimilarityRatio returns the longest-common-substring ratio of the two
// loosely-normalized strings, in [0, 1]. The ratio is taken against the
// shorter string so that a long parenthetical suffix on one side does not
// mask an otherwise identical track name. Symmetric and deterministic.
func SimilarityRatio(a, b string) float64 {
	a = String(a, Loose)
	b = String(b, Loose)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	lcs := longestCommonSubstring(a, b)
	shorter := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n < shorter {
		shorter = n
	}
	return float64(lcs) / float64(shorter)
}

func longestCommonSubstring(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	best := 0
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return best
}
