package mdrive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectTrajectory_Trapezoidal(t *testing.T) {
	// Plenty of distance to reach Vmax and cruise: trapezoidal branch.
	traj, err := projectTrajectory(1000, 1000, 0, 1000, 100_000)
	require.NoError(t, err)
	assert.Greater(t, traj.totalSeconds, 0.0)
	assert.Greater(t, traj.decelUs, traj.vmaxUs)
}

func TestProjectTrajectory_Triangular(t *testing.T) {
	// Too short to reach Vmax: triangular branch, peak velocity below Vmax.
	traj, err := projectTrajectory(1000, 1000, 0, 1000, 500)
	require.NoError(t, err)
	assert.Greater(t, traj.totalSeconds, 0.0)
	// Triangular has no cruise segment: the peak is reached at the same
	// instant deceleration begins.
	assert.InDelta(t, traj.vmaxUs, traj.decelUs, 1)
}

func TestProjectTrajectory_ZeroDistanceIsImmediate(t *testing.T) {
	traj, err := projectTrajectory(1000, 1000, 0, 1000, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0, traj.totalSeconds, 0.001)
}
