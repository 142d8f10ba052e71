package kinematics

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInverseKinematics(t *testing.T) {
	r := defaultRobot(t)

	t.Run("reference pose", func(t *testing.T) {
		got, err := r.InverseKinematics(Pose{X: 0.005, Y: -0.016, Z: 0.155, Roll: 0.03, Pitch: -0.01, Yaw: 0.04})
		require.NoError(t, err)
		want := Joints{
			-0.30605859037194544, 0.12665710835535193, -0.45380197186278254,
			0.02957611200451625, -0.011191966884560882, 0.04001550872542799,
		}
		assertJointsNear(t, want, got, 1e-9)
	})

	t.Run("centred pose gives equal position joints", func(t *testing.T) {
		got, err := r.InverseKinematics(Pose{Z: 0.15, Roll: 0.3, Pitch: 0.2})
		require.NoError(t, err)
		assert.InDelta(t, -0.3311211215198758, got[0], 1e-9)
		assert.InDelta(t, got[0], got[1], 1e-12)
		assert.InDelta(t, got[0], got[2], 1e-12)
		assert.InDelta(t, 0.3, got[3], 1e-12)
		assert.InDelta(t, 0.2, got[4], 1e-12)
		assert.InDelta(t, 0, got[5], 1e-12)
	})
}

func TestInverseKinematicsOutOfWorkspace(t *testing.T) {
	r := defaultRobot(t)

	tests := []struct {
		name string
		pose Pose
	}{
		{"too far below", Pose{Z: 0.5}},
		{"too far sideways", Pose{X: 0.2, Z: 0.15}},
		{"on the mounting plane", Pose{Z: 0.063}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.InverseKinematics(tt.pose)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrOutOfWorkspace))
			assert.Equal(t, Joints{}, got)
		})
	}
}

func TestKinematicsRoundTrip(t *testing.T) {
	r := defaultRobot(t)

	t.Run("pose to angles to pose", func(t *testing.T) {
		pose := Pose{X: 0.005, Y: -0.016, Z: 0.155, Roll: 0.03, Pitch: -0.01, Yaw: 0.04}
		angles, err := r.InverseKinematics(pose)
		require.NoError(t, err)
		got, err := r.ForwardKinematics(angles)
		require.NoError(t, err)
		assertPoseNear(t, pose, got, 1e-9)
	})

	t.Run("upper arms past vertical", func(t *testing.T) {
		// 1.2 rad plus the π/6 offset puts every upper arm beyond π/2, where
		// the elbow lies outboard of the base joint.
		angles := Joints{1.2, 1.2, 1.2, 0.1, -0.05, 0.2}
		pose, err := r.ForwardKinematics(angles)
		require.NoError(t, err)
		back, err := r.InverseKinematics(pose)
		require.NoError(t, err)
		assertJointsNear(t, angles, back, 1e-9)
		for i := 0; i < 3; i++ {
			assert.Greater(t, back[i]+math.Pi/6, math.Pi/2, "leg %d", i+1)
		}
	})

	t.Run("random angles", func(t *testing.T) {
		rng := rand.New(rand.NewSource(3))
		for i := 0; i < 100; i++ {
			var angles Joints
			for j := range angles {
				angles[j] = (rng.Float64()*2 - 1) * 0.3
			}
			pose, err := r.ForwardKinematics(angles)
			require.NoError(t, err)
			back, err := r.InverseKinematics(pose)
			require.NoError(t, err)
			assertJointsNear(t, angles, back, 1e-6)
		}
	})
}
