// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package matcher decides whether a candidate torrent can be served from
// the files of a local torrent, and if so, how each candidate file maps
// onto a local file.
package matcher

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/pkg/normalize"
	"github.com/nemorosa/nemorosa/pkg/torrents"
)

// ActionKind classifies one file action inside a mapping.
type ActionKind string

const (
	ActionIdentical ActionKind = "identical"
	ActionRename    ActionKind = "rename"
	ActionLink      ActionKind = "link"
	ActionSkip      ActionKind = "skip"
	ActionMissing   ActionKind = "missing"
)

// Action maps one candidate file. Local is empty for Skip and Missing.
type Action struct {
	Kind     ActionKind      `json:"kind"`
	Local    string          `json:"local,omitempty"`
	Target   string          `json:"target"`
	Size     int64           `json:"size"`
	LinkMode domain.LinkMode `json:"linkMode,omitempty"`
}

// Mapping is the full partition of candidate files into actions.
type Mapping struct {
	Actions      []Action `json:"actions"`
	MissingBytes int64    `json:"missingBytes"`
}

// Summary renders a compact action count string for outcome records.
func (m *Mapping) Summary() string {
	counts := map[ActionKind]int{}
	for _, a := range m.Actions {
		counts[a.Kind]++
	}
	parts := make([]string, 0, len(counts))
	for _, k := range []ActionKind{ActionIdentical, ActionRename, ActionLink, ActionSkip, ActionMissing} {
		if counts[k] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
		}
	}
	return strings.Join(parts, " ")
}

// RejectReason says why a candidate cannot be served locally.
type RejectReason string

const (
	RejectSizeMismatch    RejectReason = "size_mismatch"
	RejectPieceMismatch   RejectReason = "piece_mismatch"
	RejectConflict        RejectReason = "conflict"
	RejectTooMuchMissing  RejectReason = "too_much_missing"
	RejectLinkingDisabled RejectReason = "linking_required_disabled"
)

// Verdict is the matcher's decision for one candidate.
type Verdict struct {
	Accepted bool
	Mapping  *Mapping
	Reason   RejectReason
	Detail   string
}

func accepted(m *Mapping) Verdict {
	return Verdict{Accepted: true, Mapping: m}
}

func rejected(reason RejectReason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

// Policy carries the configuration slice the matcher needs.
type Policy struct {
	LinkMode           domain.LinkMode
	AllowPartialPieces bool
	MaxMissingBytes    int64
	// AllowRename permits moving local files instead of linking. Only set
	// when the candidate replaces the local torrent rather than seeding
	// alongside it.
	AllowRename bool
}

// similarityThreshold is the minimum loose-name similarity for pairing
// files that tie on size.
const similarityThreshold = 0.6

// Match pairs every candidate file with a local file and renders a verdict.
// Pairing is deterministic: candidate files are processed in lexicographic
// order of their normalized paths.
func Match(local *torrents.Torrent, cand *torrents.Torrent, policy Policy) Verdict {
	lf := local.Files()
	cf := cand.Files()

	order := make([]int, len(cf))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return normalize.Path(cf[order[a]].Path, normalize.Loose) <
			normalize.Path(cf[order[b]].Path, normalize.Loose)
	})

	// pairs[candidate index] = local index, -1 for unpaired.
	pairs := make([]int, len(cf))
	for i := range pairs {
		pairs[i] = -1
	}
	localUsed := make([]bool, len(lf))

	bySize := make(map[int64][]int, len(lf))
	for i, f := range lf {
		bySize[f.Length] = append(bySize[f.Length], i)
	}

	for _, ci := range order {
		c := cf[ci]
		var free []int
		for _, li := range bySize[c.Length] {
			if !localUsed[li] {
				free = append(free, li)
			}
		}

		switch {
		case len(free) == 1:
			pairs[ci] = free[0]
			localUsed[free[0]] = true
		case len(free) > 1:
			if li, ok := bestByName(c, lf, free); ok {
				pairs[ci] = li
				localUsed[li] = true
			}
		}
	}

	// Conflicts: an unpaired local whose normalized path collides with a
	// candidate file of a different size cannot coexist with the staged
	// tree unless links are used.
	candByPath := make(map[string]int, len(cf))
	for i, c := range cf {
		candByPath[normalize.Path(c.Path, normalize.Loose)] = i
	}
	conflicted := make(map[int]bool)
	for li, l := range lf {
		if localUsed[li] {
			continue
		}
		ci, ok := candByPath[normalize.Path(l.Path, normalize.Loose)]
		if !ok || cf[ci].Length == l.Length {
			continue
		}
		if policy.LinkMode == domain.LinkModeNone {
			return rejected(RejectConflict,
				fmt.Sprintf("local %s and target %s share a name with different sizes", l.Path, cf[ci].Path))
		}
		// Linking keeps the local file untouched; the colliding target
		// goes unsatisfied instead.
		if pairs[ci] >= 0 {
			localUsed[pairs[ci]] = false
			pairs[ci] = -1
		}
		conflicted[ci] = true
	}

	if verdict, ok := verifyPieces(local, cand, pairs, policy); !ok {
		return verdict
	}

	// Assemble actions in candidate declared order.
	mapping := &Mapping{Actions: make([]Action, 0, len(cf))}
	for ci, c := range cf {
		li := pairs[ci]
		if li < 0 {
			if conflicted[ci] {
				mapping.Actions = append(mapping.Actions, Action{Kind: ActionSkip, Target: c.Path, Size: c.Length})
				mapping.MissingBytes += c.Length
				continue
			}
			if isMusicFile(c.Path) {
				// Music bytes are never downloadable filler. Above the
				// missing budget the defect is the unsatisfiable volume;
				// below it the problem is the absent size partner itself.
				if c.Length > policy.MaxMissingBytes {
					return rejected(RejectTooMuchMissing,
						fmt.Sprintf("music file %s (%d bytes) has no local match, budget is %d",
							c.Path, c.Length, policy.MaxMissingBytes))
				}
				return rejected(RejectSizeMismatch,
					fmt.Sprintf("no local file matches %s (%d bytes)", c.Path, c.Length))
			}
			mapping.Actions = append(mapping.Actions, Action{Kind: ActionMissing, Target: c.Path, Size: c.Length})
			mapping.MissingBytes += c.Length
			continue
		}

		l := lf[li]
		switch {
		case normalize.Path(l.Path, normalize.Strict) == normalize.Path(c.Path, normalize.Strict):
			mapping.Actions = append(mapping.Actions, Action{
				Kind: ActionIdentical, Local: l.Path, Target: c.Path, Size: c.Length,
			})
		case policy.AllowRename:
			mapping.Actions = append(mapping.Actions, Action{
				Kind: ActionRename, Local: l.Path, Target: c.Path, Size: c.Length,
			})
		case policy.LinkMode == domain.LinkModeNone:
			return rejected(RejectLinkingDisabled,
				fmt.Sprintf("%s would need a link to become %s", l.Path, c.Path))
		default:
			mapping.Actions = append(mapping.Actions, Action{
				Kind: ActionLink, Local: l.Path, Target: c.Path, Size: c.Length,
				LinkMode: policy.LinkMode,
			})
		}
	}

	if mapping.MissingBytes > policy.MaxMissingBytes {
		return rejected(RejectTooMuchMissing,
			fmt.Sprintf("%d bytes unsatisfied, budget is %d", mapping.MissingBytes, policy.MaxMissingBytes))
	}

	return accepted(mapping)
}

// bestByName disambiguates same-size locals by loose basename similarity.
// Ties break by closest path depth, then declared order.
func bestByName(c torrents.File, lf []torrents.File, free []int) (int, bool) {
	cName := normalize.String(path.Base(c.Path), normalize.Loose)
	cDepth := pathDepth(c.Path)

	best := -1
	bestScore := 0.0
	bestDepthDiff := 0
	for _, li := range free {
		score := normalize.SimilarityRatio(cName, normalize.String(path.Base(lf[li].Path), normalize.Loose))
		if score < similarityThreshold {
			continue
		}
		depthDiff := abs(pathDepth(lf[li].Path) - cDepth)
		if best < 0 || score > bestScore || (score == bestScore && depthDiff < bestDepthDiff) {
			best = li
			bestScore = score
			bestDepthDiff = depthDiff
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// verifyPieces compares piece hashes when both torrents share geometry.
// A false return carries the rejecting verdict.
func verifyPieces(local, cand *torrents.Torrent, pairs []int, policy Policy) (Verdict, bool) {
	if local.PieceLength() != cand.PieceLength() {
		// Different piece sizes make hash comparison impossible, leaving
		// size+name as the only evidence. That is only enough when partial
		// pieces are tolerated.
		if !policy.AllowPartialPieces {
			return rejected(RejectPieceMismatch,
				fmt.Sprintf("piece length %d differs from %d, hashes not comparable",
					local.PieceLength(), cand.PieceLength())), false
		}
		return Verdict{}, true
	}

	lf := local.Files()
	cf := cand.Files()

	// Offsets must line up for every pair, otherwise piece indexes do not
	// correspond and hashes cannot be compared.
	aligned := make([]bool, len(cf))
	for ci, li := range pairs {
		if li < 0 {
			continue
		}
		if lf[li].Offset == cf[ci].Offset && lf[li].Length == cf[ci].Length {
			aligned[ci] = true
		}
	}

	for ci, li := range pairs {
		if li < 0 || !aligned[ci] {
			continue
		}
		for _, span := range cand.PiecesForFile(ci) {
			if !pieceFullyAligned(cand, span.Index, aligned) {
				continue
			}
			if bytes.Equal(local.Piece(span.Index), cand.Piece(span.Index)) {
				continue
			}
			crossing := pieceCrossesBoundary(cand, span.Index)
			if crossing && policy.LinkMode == domain.LinkModeReflink && policy.AllowPartialPieces {
				continue
			}
			return rejected(RejectPieceMismatch,
				fmt.Sprintf("piece %d hash differs", span.Index)), false
		}
	}

	return Verdict{}, true
}

// pieceFullyAligned reports whether every candidate file overlapping the
// piece is paired with an offset-aligned local file.
func pieceFullyAligned(cand *torrents.Torrent, pieceIndex int, aligned []bool) bool {
	begin := int64(pieceIndex) * cand.PieceLength()
	end := begin + cand.PieceLength()
	for ci, f := range cand.Files() {
		if f.Offset >= end || f.Offset+f.Length <= begin {
			continue
		}
		if !aligned[ci] {
			return false
		}
	}
	return true
}

func pieceCrossesBoundary(cand *torrents.Torrent, pieceIndex int) bool {
	begin := int64(pieceIndex) * cand.PieceLength()
	end := begin + cand.PieceLength()
	overlapping := 0
	for _, f := range cand.Files() {
		if f.Offset >= end || f.Offset+f.Length <= begin {
			continue
		}
		overlapping++
		if overlapping > 1 {
			return true
		}
	}
	return false
}

var musicExtensions = map[string]bool{
	".flac": true,
	".mp3":  true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
	".opus": true,
	".wav":  true,
	".ape":  true,
	".wv":   true,
	".dsf":  true,
	".dff":  true,
	".mpc":  true,
}

func isMusicFile(p string) bool {
	return musicExtensions[strings.ToLower(path.Ext(p))]
}

// IsMusicFile reports whether the path has a recognized audio extension.
// Shared with the gating and search layers.
func IsMusicFile(p string) bool { return isMusicFile(p) }

func pathDepth(p string) int {
	return strings.Count(path.Clean(p), "/")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
