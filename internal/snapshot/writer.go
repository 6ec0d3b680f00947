package snapshot

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/spectre-project/spectre-crawler/internal/address"
)

// MinRecords is the minimum number of kept records required before a
// snapshot is written at all: below this threshold no write occurs, to
// avoid clobbering a good snapshot with a failed crawl.
const MinRecords = 10

// Document is the top-level JSON shape persisted to disk.
type Document struct {
	Nodes     map[address.Address]persistedRecord `json:"nodes"`
	UpdatedAt int64                                `json:"updated_at"`
}

// ErrWriterFailure wraps any I/O error encountered while emitting the
// snapshot.
type ErrWriterFailure struct {
	Path string
	Err  error
}

func (e *ErrWriterFailure) Error() string {
	return fmt.Sprintf("snapshot: writing %s: %v", e.Path, e.Err)
}

func (e *ErrWriterFailure) Unwrap() error { return e.Err }

// Build filters results down to the ones that ever produced at least
// one neighbor — the proxy for "this peer actually served us at least
// one usable address" — stripping the ephemeral Neighbors field. It
// returns ok=false when the kept set does not reach MinRecords.
func Build(results map[address.Address]*PeerRecord, now int64) (Document, bool) {
	nodes := make(map[address.Address]persistedRecord, len(results))
	for addr, rec := range results {
		if len(rec.Neighbors) == 0 {
			continue
		}
		nodes[addr] = persistedRecord{
			ID:       rec.ID,
			Spectred: rec.UserAgent,
			Error:    rec.Error,
			Loc:      rec.Loc,
		}
	}
	if len(nodes) < MinRecords {
		return Document{}, false
	}
	return Document{Nodes: nodes, UpdatedAt: now}, true
}

// Write serializes doc as sorted-key, 2-space-indented, ASCII-escaped
// JSON and atomically replaces path. NaN/Infinity are rejected, as a
// well-formed doc built via Build never contains them in numeric form
// (Loc is always a plain decimal string), matching the original's
// allow_nan=False.
func Write(path string, doc Document) error {
	for addr, rec := range doc.Nodes {
		if containsNonFinite(rec.Loc) {
			return &ErrWriterFailure{Path: path, Err: fmt.Errorf("non-finite loc value for %s", addr)}
		}
	}

	raw, err := marshalSorted(doc)
	if err != nil {
		return &ErrWriterFailure{Path: path, Err: err}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nodes-*.json.tmp")
	if err != nil {
		return &ErrWriterFailure{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return &ErrWriterFailure{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &ErrWriterFailure{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &ErrWriterFailure{Path: path, Err: err}
	}

	log.WithFields(log.Fields{
		"path":  path,
		"nodes": len(doc.Nodes),
	}).Info("wrote snapshot")
	return nil
}

func containsNonFinite(s string) bool {
	return strings.Contains(s, "NaN") || strings.Contains(s, "Inf")
}

// marshalSorted hand-rolls the JSON encoding instead of deferring to
// encoding/json: output must use ensure_ascii=True-style escaping of
// every non-ASCII rune, which encoding/json does not do (it passes
// UTF-8 through verbatim). Document's shape is small and fixed, so a
// direct encoder is simpler than post-processing encoding/json's
// output.
func marshalSorted(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	buf.WriteString("  \"nodes\": ")
	writeNodes(&buf, doc.Nodes, "  ")
	buf.WriteString(",\n")
	buf.WriteString(fmt.Sprintf("  \"updated_at\": %d\n", doc.UpdatedAt))
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func writeNodes(buf *bytes.Buffer, nodes map[address.Address]persistedRecord, indent string) {
	if len(nodes) == 0 {
		buf.WriteString("{}")
		return
	}
	keys := make([]string, 0, len(nodes))
	for addr := range nodes {
		keys = append(keys, string(addr))
	}
	sort.Strings(keys)

	inner := indent + "  "
	buf.WriteString("{\n")
	for i, key := range keys {
		rec := nodes[address.Address(key)]
		buf.WriteString(inner)
		writeASCIIString(buf, key)
		buf.WriteString(": {\n")

		fieldIndent := inner + "  "
		buf.WriteString(fieldIndent)
		buf.WriteString("\"error\": ")
		writeASCIIString(buf, rec.Error)
		buf.WriteString(",\n")

		buf.WriteString(fieldIndent)
		buf.WriteString("\"id\": ")
		writeASCIIString(buf, rec.ID)
		buf.WriteString(",\n")

		buf.WriteString(fieldIndent)
		buf.WriteString("\"loc\": ")
		writeASCIIString(buf, rec.Loc)
		buf.WriteString(",\n")

		buf.WriteString(fieldIndent)
		buf.WriteString("\"spectred\": ")
		writeASCIIString(buf, rec.Spectred)
		buf.WriteString("\n")

		buf.WriteString(inner)
		buf.WriteString("}")
		if i != len(keys)-1 {
			buf.WriteString(",")
		}
		buf.WriteString("\n")
	}
	buf.WriteString(indent)
	buf.WriteString("}")
}

// writeASCIIString quotes s as a JSON string, escaping control
// characters, the quote/backslash pair, and every rune outside the
// printable ASCII range as \uXXXX (with surrogate pairs for runes
// beyond the basic multilingual plane), matching Python's
// ensure_ascii=True.
func writeASCIIString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r < 0x7f:
				buf.WriteRune(r)
			case r <= 0xffff:
				fmt.Fprintf(buf, `\u%04x`, r)
			default:
				r -= 0x10000
				hi := 0xd800 + (r >> 10)
				lo := 0xdc00 + (r & 0x3ff)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			}
		}
	}
	buf.WriteByte('"')
}
