package boltdb

import (
	"bytes"

	"github.com/boltdb/bolt"
	"github.com/pandodao/ecash-wallet/core"
)

type bounds struct {
	lo, hi         []byte
	loOpen, hiOpen bool
}

func (b bounds) aboveLo(k []byte) bool {
	if b.lo == nil {
		return true
	}

	c := bytes.Compare(k, b.lo)
	return c > 0 || (c == 0 && !b.loOpen)
}

func (b bounds) belowHi(k []byte) bool {
	if b.hi == nil {
		return true
	}

	c := bytes.Compare(k, b.hi)
	return c < 0 || (c == 0 && !b.hiOpen)
}

func primaryBounds(r *core.KeyRange) bounds {
	var b bounds
	if r == nil {
		return b
	}

	if r.HasLower {
		b.lo, b.loOpen = []byte(r.Lower), r.LowerOpen
	}

	if r.HasUpper {
		b.hi, b.hiOpen = []byte(r.Upper), r.UpperOpen
	}

	return b
}

// indexBounds maps a range over index keys onto the composite
// "indexKey\x00recordKey" keys of an index bucket.
func indexBounds(r *core.KeyRange) bounds {
	var b bounds
	if r == nil {
		return b
	}

	if r.HasLower {
		if r.LowerOpen {
			b.lo = []byte(r.Lower + "\x01")
		} else {
			b.lo = []byte(r.Lower + "\x00")
		}
	}

	if r.HasUpper {
		b.hiOpen = true
		if r.UpperOpen {
			b.hi = []byte(r.Upper + "\x00")
		} else {
			b.hi = []byte(r.Upper + "\x01")
		}
	}

	return b
}

func scan(c *bolt.Cursor, b bounds, reverse bool, fn func(k, v []byte)) {
	if !reverse {
		var k, v []byte
		if b.lo != nil {
			k, v = c.Seek(b.lo)
		} else {
			k, v = c.First()
		}

		for ; k != nil; k, v = c.Next() {
			if !b.aboveLo(k) {
				continue
			}

			if !b.belowHi(k) {
				return
			}

			fn(k, v)
		}

		return
	}

	var k, v []byte
	if b.hi != nil {
		k, v = c.Seek(b.hi)
		if k == nil {
			k, v = c.Last()
		}
	} else {
		k, v = c.Last()
	}

	for ; k != nil; k, v = c.Prev() {
		if !b.belowHi(k) {
			continue
		}

		if !b.aboveLo(k) {
			return
		}

		fn(k, v)
	}
}
