package internal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBloomFilter_PutContains(t *testing.T) {
	var f BloomFilter

	f.Init(128, 0.01)

	h := ComputeHash("present")

	assert.False(t, f.Contains(h))
	assert.False(t, f.Put(h), "first insert reports not-seen")
	assert.True(t, f.Contains(h))
	assert.True(t, f.Put(h), "second insert reports seen")
}

func TestBloomFilter_Reset(t *testing.T) {
	var f BloomFilter

	f.Init(128, 0.01)

	h := ComputeHash("present")
	f.Put(h)

	f.Reset()

	assert.False(t, f.Contains(h))
}

func TestBloomFilter_FalsePositiveRate(t *testing.T) {
	var f BloomFilter

	f.Init(1024, 0.05)

	for i := 0; i < 1024; i++ {
		f.Put(ComputeHash(fmt.Sprintf("member-%d", i)))
	}

	falsePositives := 0

	for i := 0; i < 1024; i++ {
		if f.Contains(ComputeHash(fmt.Sprintf("non-member-%d", i))) {
			falsePositives++
		}
	}

	// generous bound; the configured rate is 5%
	assert.Less(t, falsePositives, 1024/4)
}

func TestComputeHash_Stable(t *testing.T) {
	assert.Equal(t, ComputeHash("abc"), ComputeHash("abc"))
	assert.NotEqual(t, ComputeHash("abc"), ComputeHash("abd"))
	assert.NotEqual(t, ComputeHash(1), ComputeHash(2))
}
