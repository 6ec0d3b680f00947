// Package snapshot holds the result model and the JSON writer.
package snapshot

import "github.com/spectre-project/spectre-crawler/internal/address"

// PeerRecord is the per-peer outcome of a crawl task. Neighbors is
// ephemeral: it drives frontier expansion and is stripped before
// persistence.
type PeerRecord struct {
	Address   address.Address
	ID        string
	UserAgent string
	Error     string
	Loc       string
	Neighbors []address.Address
}

// persistedRecord is the on-disk shape of a PeerRecord. The field
// names ("id", "spectred", "error", "loc") are an external contract:
// they must match what downstream consumers of the snapshot expect.
type persistedRecord struct {
	ID       string `json:"id"`
	Spectred string `json:"spectred"`
	Error    string `json:"error"`
	Loc      string `json:"loc"`
}
