// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package boltdb

import (
	"encoding/binary"
	"encoding/json"

	"go.etcd.io/bbolt"
)

// panicSentinel identifies panics raised by the must helpers.
type panicSentinel struct {
	cause error
}

// recoverMust is deferred inside bbolt transactions and turns a must panic
// back into the returned error.
func recoverMust(err *error) {
	switch v := recover().(type) {
	case panicSentinel:
		*err = v.cause
	case nil:
		return
	default:
		panic(v)
	}
}

func must(err error) {
	if err != nil {
		panic(panicSentinel{err})
	}
}

func mustPut(b *bbolt.Bucket, k []byte, v any) {
	data, err := json.Marshal(v)
	must(err)
	must(b.Put(k, data))
}

func mustGet[T any](b *bbolt.Bucket, k []byte) (T, bool) {
	var res T
	data := b.Get(k)
	if data == nil {
		return res, false
	}
	must(json.Unmarshal(data, &res))
	return res, true
}

func keyBytes(k int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k))
	return buf[:]
}
