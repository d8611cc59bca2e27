// Package cursor encodes pull positions as opaque tokens. A token carries the
// last consumed ledger sequence and a fingerprint of the scope it was issued
// for, authenticated with HMAC-SHA256 and rendered in z-base-32.
package cursor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/tv42/zbase32"
	"github.com/zeebo/xxh3"
)

const (
	version = 1
	macSize = 16
	rawSize = 1 + 8 + 8 + macSize
)

// Position is a decoded cursor.
type Position struct {
	Sequence int64
	Scope    uint64
}

type Codec struct {
	key []byte
}

func NewCodec(secret string) *Codec {
	return &Codec{key: []byte(secret)}
}

// Scope fingerprints a user and a set of budgets. Order of budgetIDs does
// not matter.
func Scope(userID string, budgetIDs []string) uint64 {
	ids := append([]string(nil), budgetIDs...)
	sort.Strings(ids)
	return xxh3.HashString(userID + "\x00" + strings.Join(ids, "\x00"))
}

func (c *Codec) mac(b []byte) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write(b)
	return h.Sum(nil)[:macSize]
}

func (c *Codec) Encode(p Position) string {
	b := make([]byte, rawSize)
	b[0] = version
	binary.BigEndian.PutUint64(b[1:9], uint64(p.Sequence))
	binary.BigEndian.PutUint64(b[9:17], p.Scope)
	copy(b[17:], c.mac(b[:17]))
	return zbase32.EncodeToString(b)
}

// Decode fails with common.ErrCursorInvalid on any malformed, foreign or
// tampered token.
func (c *Codec) Decode(token string) (Position, error) {
	b, err := zbase32.DecodeString(token)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %v", common.ErrCursorInvalid, err)
	}
	if len(b) != rawSize || b[0] != version {
		return Position{}, fmt.Errorf("%w: malformed", common.ErrCursorInvalid)
	}
	if !hmac.Equal(b[17:], c.mac(b[:17])) {
		return Position{}, fmt.Errorf("%w: bad signature", common.ErrCursorInvalid)
	}
	seq := binary.BigEndian.Uint64(b[1:9])
	if seq > 1<<63-1 {
		return Position{}, fmt.Errorf("%w: sequence out of range", common.ErrCursorInvalid)
	}
	return Position{
		Sequence: int64(seq),
		Scope:    binary.BigEndian.Uint64(b[9:17]),
	}, nil
}

// DecodeFor decodes token and checks it was issued for scope. An empty token
// is the start of the ledger.
func (c *Codec) DecodeFor(token string, scope uint64) (int64, error) {
	if token == "" {
		return 0, nil
	}
	p, err := c.Decode(token)
	if err != nil {
		return 0, err
	}
	if p.Scope != scope {
		return 0, fmt.Errorf("%w: scope changed", common.ErrCursorInvalid)
	}
	return p.Sequence, nil
}
