// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package portmap

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestMapperExternalIsUnsetUntilDiscovered(t *testing.T) {
	c := qt.New(t)
	m := NewMapper("192.168.1.50")
	_, ok := m.External()
	c.Assert(ok, qt.IsFalse)
}

func TestMapperRunReturnsOnContextCancel(t *testing.T) {
	c := qt.New(t)
	m := NewMapper("192.168.1.50")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Run(ctx, 9993)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestMapperTryMapWithNoIGDLeavesExternalUnset(t *testing.T) {
	c := qt.New(t)
	m := NewMapper("192.168.1.50")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.tryMap(ctx, 9993)

	_, ok := m.External()
	c.Assert(ok, qt.IsFalse)
}
