package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(1000)
	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%06d", i))
		f.Add(keys[i])
	}
	for _, k := range keys {
		require.True(t, f.MayContain(k))
	}
}

func TestFalsePositiveRateWithinBudget(t *testing.T) {
	f := New(1000)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("key-%06d", i)))
	}

	falsePositives := 0
	const absent = 10000
	for i := 0; i < absent; i++ {
		k := []byte(fmt.Sprintf("absent-%06d", i))
		if f.MayContain(k) {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / float64(absent)
	require.Less(t, rate, 0.02, "10 bits/key at k~=7 hashes should keep FPR near 1%%, got %f", rate)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	f := New(100)
	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("item-%d", i)))
	}

	out, err := Deserialize(f.Serialize())
	require.NoError(t, err)
	require.Equal(t, f.NumBits(), out.NumBits())
	require.Equal(t, f.NumHashes(), out.NumHashes())
	for i := 0; i < 100; i++ {
		require.True(t, out.MayContain([]byte(fmt.Sprintf("item-%d", i))))
	}
}
