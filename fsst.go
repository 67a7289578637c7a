package pagestore

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// fsstEscape is the reserved code meaning "the next byte is a literal, not a
// symbol", matching real FSST's escape-byte convention. It leaves 255
// symbol slots (spec.md §4.4 "FSST": "a page-local FSST symbol table").
const fsstEscape = 0xFF

const (
	minSymbolLen = 2
	maxSymbolLen = 8
	maxSymbols   = 255
)

// fsstTable is a page-local symbol table mapping up to 255 short byte
// sequences to single-byte codes, sized and trained per page rather than
// globally, per spec.md §4.4. This is a simplified from-scratch dictionary
// coder in FSST's spirit (greedy longest-match substitution over a trained
// symbol set), not a byte-for-byte reimplementation of the published FSST
// algorithm; there is no FSST library in the retrieved example pack, so this
// is built on the corpus's general byte-pipeline convention of wrapping raw
// payloads with a small header (the same shape as klauspost/compress frame
// handling used in bytepipe.go) rather than on a borrowed compressor.
type fsstTable struct {
	symbols     [][]byte
	fingerprint uint64
}

// buildFSSTTable trains a symbol table from sample records by scoring every
// substring of length [minSymbolLen, maxSymbolLen] by (frequency * length)
// and keeping the top maxSymbols candidates, longest first so encode's
// greedy match prefers longer symbols.
func buildFSSTTable(samples [][]byte, fingerprint uint64) *fsstTable {
	freq := make(map[string]int)
	for _, s := range samples {
		for l := minSymbolLen; l <= maxSymbolLen && l <= len(s); l++ {
			for i := 0; i+l <= len(s); i++ {
				freq[string(s[i:i+l])]++
			}
		}
	}

	type candidate struct {
		sym   string
		score int
	}
	candidates := make([]candidate, 0, len(freq))
	for sym, count := range freq {
		if count < 2 {
			continue // a symbol that appears once never pays for its code byte
		}
		candidates = append(candidates, candidate{sym: sym, score: count * len(sym)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return len(candidates[i].sym) > len(candidates[j].sym)
	})

	if len(candidates) > maxSymbols {
		candidates = candidates[:maxSymbols]
	}

	symbols := make([][]byte, len(candidates))
	for i, c := range candidates {
		symbols[i] = []byte(c.sym)
	}
	sort.Slice(symbols, func(i, j int) bool { return len(symbols[i]) > len(symbols[j]) })

	return &fsstTable{symbols: symbols, fingerprint: fingerprint}
}

// Encode greedily replaces the longest matching trained symbol at each
// position, escaping any byte that matches none.
func (t *fsstTable) Encode(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		code, symLen := t.matchAt(data[i:])
		if code < 0 {
			out = append(out, fsstEscape, data[i])
			i++
			continue
		}
		out = append(out, byte(code))
		i += symLen
	}
	return out
}

func (t *fsstTable) matchAt(rest []byte) (code int, symLen int) {
	for i, sym := range t.symbols {
		if len(sym) <= len(rest) && string(rest[:len(sym)]) == string(sym) {
			return i, len(sym)
		}
	}
	return -1, 0
}

// Decode is the exact inverse of Encode.
func (t *fsstTable) Decode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)*2)
	for i := 0; i < len(data); {
		code := data[i]
		if code == fsstEscape {
			if i+1 >= len(data) {
				return nil, ErrCorruptPage
			}
			out = append(out, data[i+1])
			i += 2
			continue
		}
		if int(code) >= len(t.symbols) {
			return nil, ErrCorruptPage
		}
		out = append(out, t.symbols[code]...)
		i++
	}
	return out, nil
}

// Serialize writes the symbol table as a count byte followed by
// length-prefixed symbols, for embedding in the leaf page's optional FSST
// region (spec.md §4.4).
func (t *fsstTable) Serialize() []byte {
	out := []byte{byte(len(t.symbols))}
	for _, sym := range t.symbols {
		out = append(out, byte(len(sym)))
		out = append(out, sym...)
	}
	return out
}

func deserializeFSSTTable(data []byte, fingerprint uint64) (*fsstTable, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrCorruptPage
	}
	count := int(data[0])
	pos := 1
	symbols := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if pos >= len(data) {
			return nil, 0, ErrCorruptPage
		}
		l := int(data[pos])
		pos++
		if pos+l > len(data) {
			return nil, 0, ErrCorruptPage
		}
		symbols = append(symbols, data[pos:pos+l])
		pos += l
	}
	return &fsstTable{symbols: symbols, fingerprint: fingerprint}, pos, nil
}

// minFSSTSavings is the adoption threshold (SPEC_FULL.md §3 / spec.md §4.4
// "FSST"): a trained table is only adopted if it shrinks the sampled record
// set by at least this fraction.
const minFSSTSavings = 0.15

// EvaluateFSST samples every populated slot's Data, trains a candidate
// table, and adopts it (setting FlagFSSTPresent and p.fsst) only if doing so
// saves at least minFSSTSavings of the sampled bytes. If a table is already
// adopted and the page's content fingerprint still matches it, that table is
// kept without re-training; a declined evaluation keeps no table, so the next
// call trains again even on unchanged content.
func (p *KeyValueLeafPage) EvaluateFSST() (adopted bool, err error) {
	fp := p.fingerprint()
	if p.fsst != nil && p.fsst.fingerprint == fp {
		return p.hasFlag(FlagFSSTPresent), nil
	}

	var samples [][]byte
	var totalOriginal int
	for slot := 0; slot < SlotCount; slot++ {
		if !p.populated.Test(uint(slot)) {
			continue
		}
		rec, getErr := p.GetSlot(slot)
		if getErr != nil {
			return false, getErr
		}
		samples = append(samples, rec.Data)
		totalOriginal += len(rec.Data)
	}

	if totalOriginal == 0 {
		p.fsst = nil
		p.setFlag(FlagFSSTPresent, false)
		return false, nil
	}

	table := buildFSSTTable(samples, fp)
	var totalCompressed int
	for _, s := range samples {
		totalCompressed += len(table.Encode(s))
	}

	savings := 1 - float64(totalCompressed)/float64(totalOriginal)
	if savings < minFSSTSavings {
		p.fsst = nil
		p.setFlag(FlagFSSTPresent, false)
		return false, nil
	}

	p.fsst = table
	p.setFlag(FlagFSSTPresent, true)
	return true, nil
}

// fingerprintSamples is a standalone helper matching spec.md's note that the
// fingerprint used to skip re-trial is the same digest family used for
// content hashing elsewhere in the page layer (PageReference.Hash).
func fingerprintSamples(samples [][]byte) uint64 {
	d := xxhash.New()
	for _, s := range samples {
		d.Write(s)
	}
	return d.Sum64()
}
