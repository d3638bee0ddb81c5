package procsnap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSnapshotsCurrentProcess(t *testing.T) {
	snap, err := Default().Snapshot(int32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), snap.PID)
	assert.Greater(t, snap.PStart, 0.0)
}

func TestDefaultParentPID(t *testing.T) {
	ppid, err := Default().ParentPID(int32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getppid()), ppid)
}

func TestDefaultListPIDsIncludesSelf(t *testing.T) {
	pids, err := Default().ListPIDs()
	require.NoError(t, err)

	self := int32(os.Getpid())
	found := false
	for _, p := range pids {
		if p == self {
			found = true
			break
		}
	}
	assert.True(t, found)
}

func TestRound3(t *testing.T) {
	assert.Equal(t, 1.235, round3(1.2346))
}
