package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spectre-project/spectre-crawler/internal/address"
)

func makeResults(prefix string, n int, withNeighbors bool) map[address.Address]*PeerRecord {
	out := make(map[address.Address]*PeerRecord, n)
	for i := 0; i < n; i++ {
		addr := address.Address(prefix + string(rune('a'+i)) + ":18111")
		rec := &PeerRecord{
			Address:   addr,
			ID:        "peer-id",
			UserAgent: "/spectred:0.3.0/",
			Loc:       "1.0,2.0",
		}
		if withNeighbors {
			rec.Neighbors = []address.Address{"peer:18111"}
		}
		out[addr] = rec
	}
	return out
}

func TestBuildRejectsBelowMinRecords(t *testing.T) {
	results := makeResults("kept-", MinRecords-1, true)
	_, ok := Build(results, 1700000000)
	if ok {
		t.Fatal("expected Build to reject a kept set below MinRecords")
	}
}

func TestBuildDropsRecordsWithoutNeighbors(t *testing.T) {
	results := makeResults("kept-", MinRecords, true)
	noNeighbors := makeResults("dropped-", 5, false)
	for k, v := range noNeighbors {
		results[k] = v
	}

	doc, ok := Build(results, 1700000000)
	if !ok {
		t.Fatal("expected Build to accept a kept set at MinRecords")
	}
	if len(doc.Nodes) != MinRecords {
		t.Fatalf("got %d nodes, want %d", len(doc.Nodes), MinRecords)
	}
	for _, rec := range doc.Nodes {
		if rec.ID != "peer-id" {
			t.Fatalf("unexpected record in output: %+v", rec)
		}
	}
}

func TestWriteProducesSortedASCIIEscapedJSON(t *testing.T) {
	results := map[address.Address]*PeerRecord{
		"b:18111": {ID: "peer-b", UserAgent: "/spectred-ü:0.1.0/", Loc: "1.0,2.0", Neighbors: []address.Address{"x:1"}},
		"a:18111": {ID: "peer-a", UserAgent: "/spectred:0.1.0/", Loc: "3.0,4.0", Neighbors: []address.Address{"x:1"}},
	}
	for i := 0; i < MinRecords-2; i++ {
		addr := address.Address(string(rune('c'+i)) + ":18111")
		results[addr] = &PeerRecord{ID: "peer", UserAgent: "/spectred:0.1.0/", Loc: "0,0", Neighbors: []address.Address{"x:1"}}
	}

	doc, ok := Build(results, 1700000000)
	if !ok {
		t.Fatal("expected a buildable document")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.json")
	if err := Write(path, doc); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	out := string(raw)

	if strings.Contains(out, "ü") {
		t.Fatal("expected non-ASCII runes to be escaped, found raw UTF-8 byte sequence")
	}
	if !strings.Contains(out, "\\u00fc") {
		t.Fatal("expected a \\u00fc escape for ü")
	}

	posA := strings.Index(out, `"a:18111"`)
	posB := strings.Index(out, `"b:18111"`)
	if posA == -1 || posB == -1 || posA > posB {
		t.Fatalf("expected sorted key order, a before b: %s", out)
	}

	recordStart := strings.Index(out, `"a:18111"`)
	recordEnd := strings.Index(out[recordStart:], "}") + recordStart
	record := out[recordStart:recordEnd]
	posError := strings.Index(record, `"error"`)
	posID := strings.Index(record, `"id"`)
	posLoc := strings.Index(record, `"loc"`)
	posSpectred := strings.Index(record, `"spectred"`)
	if posError == -1 || posID == -1 || posLoc == -1 || posSpectred == -1 {
		t.Fatalf("expected all four record fields present: %s", record)
	}
	if !(posError < posID && posID < posLoc && posLoc < posSpectred) {
		t.Fatalf("expected record fields in sorted order (error, id, loc, spectred): %s", record)
	}
}

func TestWriteIsAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.json")
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, ok := Build(makeResults("peer-", MinRecords, true), 1700000000)
	if !ok {
		t.Fatal("expected a buildable document")
	}
	if err := Write(path, doc); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Fatalf("leftover temp file after write: %s", e.Name())
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "stale") {
		t.Fatal("expected the stale content to have been replaced")
	}
}

func TestWriteRejectsNonFiniteLoc(t *testing.T) {
	results := makeResults("peer-", MinRecords, true)
	for k := range results {
		results[k].Loc = "NaN,NaN"
		break
	}
	doc, ok := Build(results, 1700000000)
	if !ok {
		t.Fatal("expected a buildable document")
	}

	dir := t.TempDir()
	err := Write(filepath.Join(dir, "nodes.json"), doc)
	if err == nil {
		t.Fatal("expected an error for a non-finite loc value")
	}
}
