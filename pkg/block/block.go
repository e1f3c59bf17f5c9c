// Package block defines the ledger's block record and its proof-of-work.
//
// A block goes through two phases. While it is being mined it is a
// Candidate: its nonce changes and its hash is recomputed on every attempt.
// Once Seal finds a nonce that satisfies the difficulty it is frozen into a
// Block, whose Hash is the value claimed to the rest of the network.
//
// The hash covers the canonical tuple
//
//	index|payload|previous_hash|timestamp|nonce
//
// where payload is a JSON array of compacted, HTML-escaped records and
// timestamp is RFC3339Nano in UTC. Any change to this encoding breaks hash agreement
// between nodes.
package block

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// GenesisPrevHash is the sentinel previous hash carried by the genesis block.
const GenesisPrevHash = "0"

// Record is an opaque application record carried in a block payload.
type Record = json.RawMessage

// Block is a sealed ledger block. Hash is the authoritative hash claimed when
// the block was sealed; ComputeHash recomputes it from the other fields.
type Block struct {
	Index     uint64    `json:"index"`
	Payload   []Record  `json:"payload"`
	PrevHash  string    `json:"previous_hash"`
	Timestamp time.Time `json:"timestamp"`
	Nonce     uint64    `json:"nonce"`
	Hash      string    `json:"hash"`
}

// ComputeHash returns the digest of the block's current field values.
func (b *Block) ComputeHash() string {
	return ComputeHash(b.Index, b.Payload, b.PrevHash, b.Timestamp, b.Nonce)
}

// IsGenesis reports whether b sits at index 0.
func (b *Block) IsGenesis() bool {
	return b.Index == 0
}

// Clone returns a deep copy of b so callers can never alias ledger state.
func (b Block) Clone() Block {
	out := b
	if b.Payload != nil {
		out.Payload = make([]Record, len(b.Payload))
		for i, r := range b.Payload {
			out.Payload[i] = append(Record(nil), r...)
		}
	}
	return out
}

// ComputeHash returns the SHA-256 hex digest of the canonical encoding of the
// given fields.
func ComputeHash(index uint64, payload []Record, prevHash string, ts time.Time, nonce uint64) string {
	return hashWithNonce(canonicalPrefix(index, payload, prevHash, ts), nonce)
}

// canonicalPrefix encodes every hashed field except the nonce, which is the
// only field that changes during the search.
func canonicalPrefix(index uint64, payload []Record, prevHash string, ts time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatUint(index, 10))
	buf.WriteByte('|')
	writePayload(&buf, payload)
	buf.WriteByte('|')
	buf.WriteString(prevHash)
	buf.WriteByte('|')
	buf.WriteString(ts.UTC().Format(time.RFC3339Nano))
	buf.WriteByte('|')
	return buf.Bytes()
}

// writePayload writes each record compacted and HTML-escaped, the form
// json.Marshal puts on the wire, so "<" and "\u003c" hash the same.
func writePayload(buf *bytes.Buffer, payload []Record) {
	var compact bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range payload {
		if i > 0 {
			buf.WriteByte(',')
		}
		compact.Reset()
		if err := json.Compact(&compact, rec); err != nil {
			// Malformed records are rejected at submit; hash the raw bytes anyway
			// so the function stays total.
			buf.Write(rec)
			continue
		}
		json.HTMLEscape(buf, compact.Bytes())
	}
	buf.WriteByte(']')
}

func hashWithNonce(prefix []byte, nonce uint64) string {
	h := sha256.New()
	h.Write(prefix)
	h.Write(strconv.AppendUint(nil, nonce, 10))
	return hex.EncodeToString(h.Sum(nil))
}

// Candidate is an unsealed block under construction. Its hash always matches
// its current fields.
type Candidate struct {
	index     uint64
	payload   []Record
	prevHash  string
	timestamp time.Time
	nonce     uint64
	hash      string

	prefix []byte
}

// NewCandidate builds a candidate block with nonce 0 and its hash computed.
// A zero ts is replaced with the current time. The payload is copied.
func NewCandidate(index uint64, payload []Record, prevHash string, ts time.Time) *Candidate {
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	recs := make([]Record, len(payload))
	for i, r := range payload {
		recs[i] = append(Record(nil), r...)
	}

	c := &Candidate{
		index:     index,
		payload:   recs,
		prevHash:  prevHash,
		timestamp: ts,
		prefix:    canonicalPrefix(index, recs, prevHash, ts),
	}
	c.hash = hashWithNonce(c.prefix, c.nonce)
	return c
}

// Index returns the candidate's chain position.
func (c *Candidate) Index() uint64 { return c.index }

// PrevHash returns the hash the candidate links to.
func (c *Candidate) PrevHash() string { return c.prevHash }

// Nonce returns the current nonce.
func (c *Candidate) Nonce() uint64 { return c.nonce }

// Hash returns the hash of the candidate's current fields.
func (c *Candidate) Hash() string { return c.hash }

// RecomputeHash recomputes the digest from the current fields without
// storing it.
func (c *Candidate) RecomputeHash() string {
	return hashWithNonce(c.prefix, c.nonce)
}

// setNonce updates the nonce and keeps the hash in step with it.
func (c *Candidate) setNonce(n uint64) {
	c.nonce = n
	c.hash = hashWithNonce(c.prefix, n)
}

// freeze converts the candidate into a sealed Block carrying its current hash.
func (c *Candidate) freeze() Block {
	b := Block{
		Index:     c.index,
		Payload:   c.payload,
		PrevHash:  c.prevHash,
		Timestamp: c.timestamp,
		Nonce:     c.nonce,
		Hash:      c.hash,
	}
	return b.Clone()
}
