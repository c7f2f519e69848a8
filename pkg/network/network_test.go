// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilecoh/tilecoh/pkg/addr"
)

func TestQueueFIFOOrder(t *testing.T) {
	var q Queue[int]
	q.Push(1)
	q.Push(2)
	q.Push(3)

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, _ = q.Pop()
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, q.Len())
}

func TestRouteXFirstThenY(t *testing.T) {
	cur := addr.Tile{X: 0, Y: 0}
	dst := addr.Tile{X: 2, Y: 1}

	next, arrived := Route(cur, dst)
	assert.False(t, arrived)
	assert.Equal(t, addr.Tile{X: 1, Y: 0}, next)

	next, arrived = Route(next, dst)
	assert.Equal(t, addr.Tile{X: 2, Y: 0}, next)
	assert.False(t, arrived)

	next, arrived = Route(next, dst)
	assert.Equal(t, addr.Tile{X: 2, Y: 1}, next)
	assert.False(t, arrived) // arrived only reported once cur==dst is checked again

	_, arrived = Route(next, dst)
	assert.True(t, arrived)
}

func TestHops(t *testing.T) {
	assert.Equal(t, 3, Hops(addr.Tile{X: 0, Y: 0}, addr.Tile{X: 2, Y: 1}))
	assert.Equal(t, 0, Hops(addr.Tile{X: 1, Y: 1}, addr.Tile{X: 1, Y: 1}))
}
