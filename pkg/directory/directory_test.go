// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilecoh/tilecoh/pkg/addr"
)

func TestAddSharerFirstGoesToOwner(t *testing.T) {
	d := New(8)
	e := NewEntry()
	require.True(t, d.AddSharer(&e, addr.CCID(1)))
	assert.Equal(t, 1, e.Count)
	assert.Equal(t, addr.CCID(1), e.Owner)
	assert.Equal(t, StateValid, e.State)
	assert.True(t, d.CheckI1(e))
}

func TestAddSharerSecondPromotesToHeap(t *testing.T) {
	d := New(8)
	e := NewEntry()
	require.True(t, d.AddSharer(&e, addr.CCID(1)))
	require.True(t, d.AddSharer(&e, addr.CCID(2)))
	assert.Equal(t, 2, e.Count)
	assert.True(t, d.CheckI1(e))

	var seen []addr.CCID
	d.ForEachSharer(e, func(c addr.CCID) { seen = append(seen, c) })
	assert.ElementsMatch(t, []addr.CCID{1, 2}, seen)
}

func TestRemoveSharerToEmpty(t *testing.T) {
	d := New(8)
	e := NewEntry()
	d.AddSharer(&e, addr.CCID(1))
	empty := d.RemoveSharer(&e, addr.CCID(1))
	assert.True(t, empty)
	assert.Equal(t, StateEmpty, e.State)
	assert.Equal(t, 0, e.Count)
}

func TestRemoveSharerCollapsesHeapBackToOwner(t *testing.T) {
	d := New(8)
	e := NewEntry()
	d.AddSharer(&e, addr.CCID(1))
	d.AddSharer(&e, addr.CCID(2))
	d.AddSharer(&e, addr.CCID(3))
	require.Equal(t, 3, e.Count)

	empty := d.RemoveSharer(&e, addr.CCID(1))
	assert.False(t, empty)
	empty = d.RemoveSharer(&e, addr.CCID(2))
	assert.False(t, empty)
	assert.Equal(t, 1, e.Count)
	assert.Equal(t, addr.CCID(3), e.Owner)
	assert.True(t, d.CheckI1(e))
}

func TestSetExclusiveDropsOtherSharers(t *testing.T) {
	d := New(8)
	e := NewEntry()
	d.AddSharer(&e, addr.CCID(1))
	d.AddSharer(&e, addr.CCID(2))
	d.SetExclusive(&e, addr.CCID(1))
	assert.Equal(t, StateValidExclusive, e.State)
	assert.Equal(t, 1, e.Count)
	assert.Equal(t, addr.CCID(1), e.Owner)
	assert.True(t, d.CheckI2(e))
}

func TestHeapExhaustionFailsGracefully(t *testing.T) {
	d := New(1) // only 1 cell: first promotion needs 2
	e := NewEntry()
	d.AddSharer(&e, addr.CCID(1))
	ok := d.AddSharer(&e, addr.CCID(2))
	assert.False(t, ok)
	assert.Equal(t, 1, e.Count, "entry must be unchanged on failed promotion")
}
