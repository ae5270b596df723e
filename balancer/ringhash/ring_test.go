package ringhash

import (
	"strconv"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

func TestRingAddFindRemove(t *testing.T) {
	testCases := []struct {
		replicationFactor uint16
		keys              []string
	}{
		{1, nil},
		{1, []string{"a"}},
		{1, []string{"a", "b"}},
		{20, []string{"a", "b", "c"}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(strconv.Itoa(int(tc.replicationFactor)), func(t *testing.T) {
			r, err := newRing(xxhash.Sum64, tc.replicationFactor)
			require.NoError(t, err)
			require.Empty(t, r.members())

			for _, k := range tc.keys {
				require.NoError(t, r.add(subchannelMember{key: k}))
			}
			require.Len(t, r.members(), len(tc.keys))

			if len(tc.keys) == 0 {
				return
			}
			found, err := r.findN([]byte("some-routing-key"), 1)
			require.NoError(t, err)
			require.Len(t, found, 1)

			require.NoError(t, r.remove(subchannelMember{key: tc.keys[0]}))
			require.Len(t, r.members(), len(tc.keys)-1)
		})
	}
}

func TestRingRejectsInvalidReplicationFactor(t *testing.T) {
	_, err := newRing(xxhash.Sum64, 0)
	require.ErrorIs(t, err, errInvalidReplication)
}

func TestRingAddDuplicateMemberErrors(t *testing.T) {
	r := mustNewRing(xxhash.Sum64, 10)
	require.NoError(t, r.add(subchannelMember{key: "a"}))
	require.ErrorIs(t, r.add(subchannelMember{key: "a"}), errMemberAlreadyExists)
}

func TestRingFindNErrorsWhenNotEnoughMembers(t *testing.T) {
	r := mustNewRing(xxhash.Sum64, 10)
	require.NoError(t, r.add(subchannelMember{key: "a"}))
	_, err := r.findN([]byte("key"), 2)
	require.ErrorIs(t, err, errNotEnoughMembers)
}

func TestRingDistributesKeysAcrossMembers(t *testing.T) {
	r := mustNewRing(xxhash.Sum64, 100)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.add(subchannelMember{key: k}))
	}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		found, err := r.findN([]byte(strconv.Itoa(i)), 1)
		require.NoError(t, err)
		counts[found[0].key]++
	}
	for _, k := range []string{"a", "b", "c", "d"} {
		require.Greater(t, counts[k], 0, "every member should receive some share of keys")
	}
}
