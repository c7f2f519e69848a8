// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidGeometry(t *testing.T) {
	c := Default()
	require.NoError(t, c.Geometry.Validate())
	assert.Equal(t, 8, c.BroadcastThreshold)
}

func TestBindFlagsOverridesDefaults(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-broadcast-threshold=16", "-mesh-x=8"}))

	assert.Equal(t, 16, c.BroadcastThreshold)
	assert.Equal(t, 8, c.MeshX)
}
