// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package llsc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLLThenSCSuccessThenFail(t *testing.T) {
	r := New(10)
	r.Set(0x100, 1)
	assert.True(t, r.Check(0x100, 1))
	r.Clear() // SC consumes the reservation regardless of outcome

	assert.False(t, r.Check(0x100, 1))
}

func TestInvalidationBreaksReservation(t *testing.T) {
	r := New(10)
	r.Set(0x100, 1)
	r.InvalidateIfMatches(0x100)
	assert.False(t, r.Valid())
}

func TestInvalidationIgnoresOtherAddress(t *testing.T) {
	r := New(10)
	r.Set(0x100, 1)
	r.InvalidateIfMatches(0x200)
	assert.True(t, r.Valid())
}

func TestTimeoutExpires(t *testing.T) {
	r := New(2)
	r.Set(0x100, 1)
	r.Step()
	assert.True(t, r.Valid())
	r.Step()
	assert.False(t, r.Valid())
}

func TestKeyMismatchFails(t *testing.T) {
	r := New(10)
	r.Set(0x100, 1)
	assert.False(t, r.Check(0x100, 2))
}
