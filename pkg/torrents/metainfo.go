// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrents models BitTorrent metainfo for cross-seed matching.
//
// Parsing keeps the raw info dictionary around so unknown keys survive a
// re-emit byte for byte; the infohash of a parsed-then-encoded torrent is
// therefore reproducible. Setting the Gazelle "source" flag re-encodes the
// info dictionary with sorted keys and minimal integer encoding per BEP-3.
package torrents

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // BitTorrent v1 infohash is defined over SHA1.
	"fmt"
	"path"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/zeebo/bencode"
)

// File is a single file within a torrent, with its cumulative byte offset in
// declared order.
type File struct {
	// Path is the slash-joined relative path below the torrent name.
	Path   string
	Length int64
	Offset int64
}

// Torrent is a parsed metainfo file.
type Torrent struct {
	Announce     string
	AnnounceList [][]string
	Comment      string

	raw  map[string]bencode.RawMessage
	info map[string]bencode.RawMessage

	name        string
	pieceLength int64
	pieces      []byte
	source      string
	files       []File
	totalSize   int64
	infoHash    metainfo.Hash
}

type infoDict struct {
	Name        string         `bencode:"name"`
	PieceLength int64          `bencode:"piece length"`
	Pieces      []byte         `bencode:"pieces"`
	Length      int64          `bencode:"length"`
	Files       []infoDictFile `bencode:"files"`
	Source      string         `bencode:"source"`
}

type infoDictFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type metaDict struct {
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	Comment      string             `bencode:"comment"`
	Info         bencode.RawMessage `bencode:"info"`
}

// Parse decodes bencoded metainfo bytes.
func Parse(data []byte) (*Torrent, error) {
	var raw map[string]bencode.RawMessage
	if err := bencode.DecodeBytes(data, &raw); err != nil {
		return nil, fmt.Errorf("decode metainfo: %w", err)
	}

	infoRaw, ok := raw["info"]
	if !ok {
		return nil, fmt.Errorf("metainfo has no info dictionary")
	}

	var meta metaDict
	if err := bencode.DecodeBytes(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metainfo fields: %w", err)
	}

	var info map[string]bencode.RawMessage
	if err := bencode.DecodeBytes(infoRaw, &info); err != nil {
		return nil, fmt.Errorf("decode info dictionary: %w", err)
	}

	var id infoDict
	if err := bencode.DecodeBytes(infoRaw, &id); err != nil {
		return nil, fmt.Errorf("decode info fields: %w", err)
	}
	if id.Name == "" {
		return nil, fmt.Errorf("metainfo has no name")
	}
	if id.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length %d", id.PieceLength)
	}
	if len(id.Pieces)%sha1.Size != 0 {
		return nil, fmt.Errorf("pieces length %d is not a multiple of %d", len(id.Pieces), sha1.Size)
	}

	t := &Torrent{
		Announce:     meta.Announce,
		AnnounceList: meta.AnnounceList,
		Comment:      meta.Comment,
		raw:          raw,
		info:         info,
		name:         id.Name,
		pieceLength:  id.PieceLength,
		pieces:       id.Pieces,
		source:       id.Source,
	}

	if len(id.Files) > 0 {
		var offset int64
		t.files = make([]File, 0, len(id.Files))
		for i, f := range id.Files {
			if len(f.Path) == 0 {
				return nil, fmt.Errorf("file %d has empty path", i)
			}
			t.files = append(t.files, File{
				Path:   path.Join(f.Path...),
				Length: f.Length,
				Offset: offset,
			})
			offset += f.Length
		}
		t.totalSize = offset
	} else {
		// Single-file torrent: synthesize a one-entry list keyed by the name.
		t.files = []File{{Path: id.Name, Length: id.Length}}
		t.totalSize = id.Length
	}

	hash, err := hashInfo(info)
	if err != nil {
		return nil, err
	}
	t.infoHash = hash

	return t, nil
}

func hashInfo(info map[string]bencode.RawMessage) (metainfo.Hash, error) {
	encoded, err := bencode.EncodeBytes(info)
	if err != nil {
		return metainfo.Hash{}, fmt.Errorf("encode info dictionary: %w", err)
	}
	return metainfo.HashBytes(encoded), nil
}

// Encode re-emits the torrent as canonical bencode (sorted dictionary keys).
func (t *Torrent) Encode() ([]byte, error) {
	infoBytes, err := bencode.EncodeBytes(t.info)
	if err != nil {
		return nil, fmt.Errorf("encode info dictionary: %w", err)
	}
	out := make(map[string]bencode.RawMessage, len(t.raw))
	for k, v := range t.raw {
		out[k] = v
	}
	out["info"] = infoBytes
	data, err := bencode.EncodeBytes(out)
	if err != nil {
		return nil, fmt.Errorf("encode metainfo: %w", err)
	}
	return data, nil
}

// WithSource returns a copy of the torrent whose info dictionary carries the
// given source flag, with the infohash recomputed. An empty flag removes the
// key entirely, matching how Gazelle trackers emit flagless torrents.
func (t *Torrent) WithSource(flag string) (*Torrent, error) {
	info := make(map[string]bencode.RawMessage, len(t.info)+1)
	for k, v := range t.info {
		info[k] = v
	}
	if flag == "" {
		delete(info, "source")
	} else {
		encoded, err := bencode.EncodeBytes(flag)
		if err != nil {
			return nil, fmt.Errorf("encode source flag: %w", err)
		}
		info["source"] = encoded
	}

	hash, err := hashInfo(info)
	if err != nil {
		return nil, err
	}

	clone := *t
	clone.info = info
	clone.source = flag
	clone.infoHash = hash

	raw := make(map[string]bencode.RawMessage, len(t.raw))
	for k, v := range t.raw {
		raw[k] = v
	}
	clone.raw = raw

	return &clone, nil
}

// InfoHash returns the SHA-1 of the canonical re-encoding of the info dict.
func (t *Torrent) InfoHash() metainfo.Hash { return t.infoHash }

// Name returns the torrent's declared name (top-level directory for
// multi-file torrents).
func (t *Torrent) Name() string { return t.name }

// Source returns the Gazelle source flag, or "" when absent.
func (t *Torrent) Source() string { return t.source }

// PieceLength returns the piece size in bytes.
func (t *Torrent) PieceLength() int64 { return t.pieceLength }

// NumPieces returns the number of piece hashes.
func (t *Torrent) NumPieces() int { return len(t.pieces) / sha1.Size }

// Piece returns the i-th 20-byte piece hash.
func (t *Torrent) Piece(i int) []byte {
	return t.pieces[i*sha1.Size : (i+1)*sha1.Size]
}

// Files returns the torrent's files in declared order. Single-file torrents
// yield one synthetic entry named after the torrent.
func (t *Torrent) Files() []File { return t.files }

// TotalSize returns the sum of all file lengths.
func (t *Torrent) TotalSize() int64 { return t.totalSize }

// IsSingleFile reports whether the torrent declares no files list.
func (t *Torrent) IsSingleFile() bool {
	_, ok := t.info["files"]
	return !ok
}

// PieceSpan describes the portion of one piece occupied by a file.
type PieceSpan struct {
	Index int
	// Begin and End delimit the file's bytes within the piece, 0 <= Begin <
	// End <= PieceLength.
	Begin int64
	End   int64
}

// Whole reports whether the span covers the entire piece, meaning the piece
// hash depends on this file alone.
func (s PieceSpan) Whole(pieceLength int64) bool {
	return s.Begin == 0 && s.End == pieceLength
}

// PiecesForFile returns the piece spans covering file i, in piece order.
func (t *Torrent) PiecesForFile(i int) []PieceSpan {
	f := t.files[i]
	if f.Length == 0 {
		return nil
	}
	pl := t.pieceLength
	first := f.Offset / pl
	last := (f.Offset + f.Length - 1) / pl

	spans := make([]PieceSpan, 0, last-first+1)
	for p := first; p <= last; p++ {
		pieceStart := p * pl
		begin := int64(0)
		if f.Offset > pieceStart {
			begin = f.Offset - pieceStart
		}
		end := pl
		if f.Offset+f.Length < pieceStart+pl {
			end = f.Offset + f.Length - pieceStart
		}
		// The final piece of the torrent may be short; clamp to content end.
		if contentEnd := t.totalSize - pieceStart; contentEnd < end {
			end = contentEnd
		}
		spans = append(spans, PieceSpan{Index: int(p), Begin: begin, End: end})
	}
	return spans
}

// SameGeometry reports whether two torrents slice their content identically:
// equal piece length and equal cumulative file offsets in declared order.
// Piece-hash verification is only meaningful when geometry matches.
func SameGeometry(a, b *Torrent) bool {
	if a.pieceLength != b.pieceLength || a.totalSize != b.totalSize {
		return false
	}
	if len(a.files) != len(b.files) {
		return false
	}
	for i := range a.files {
		if a.files[i].Length != b.files[i].Length || a.files[i].Offset != b.files[i].Offset {
			return false
		}
	}
	return true
}

// ReplaceTrackers rewrites the announce fields, used when re-targeting a
// local torrent at another site after a hash-ladder hit.
func (t *Torrent) ReplaceTrackers(announce string) error {
	t.Announce = announce
	t.AnnounceList = nil
	encoded, err := bencode.EncodeBytes(announce)
	if err != nil {
		return fmt.Errorf("encode announce: %w", err)
	}
	t.raw["announce"] = encoded
	delete(t.raw, "announce-list")
	return nil
}

// Equal reports whether two torrents carry the same infohash.
func Equal(a, b *Torrent) bool {
	return bytes.Equal(a.infoHash[:], b.infoHash[:])
}
