package rowseal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPartition(t *testing.T) {
	p := newPartition("partid", "service", "product")

	assert.NotNil(t, p)
}

func TestDefaultPartition_SystemKeyID(t *testing.T) {
	p := newPartition("partid", "service", "product")

	assert.Equal(t, "_SK_service_product", p.SystemKeyID())
}

func TestDefaultPartition_IntermediateKeyID(t *testing.T) {
	p := newPartition("partid", "service", "product")

	assert.Equal(t, "_IK_partid_service_product", p.IntermediateKeyID())
}

func TestDefaultPartition_IsValidIntermediateKeyID(t *testing.T) {
	p := newPartition("partid", "service", "product")

	assert.True(t, p.IsValidIntermediateKeyID("_IK_partid_service_product"))
	assert.False(t, p.IsValidIntermediateKeyID("_IK_other_service_product"))
	assert.False(t, p.IsValidIntermediateKeyID("_SK_service_product"))
	assert.False(t, p.IsValidIntermediateKeyID("IK_partid_service_product"))
}

func TestSuffixedPartition_SystemKeyID(t *testing.T) {
	p := newSuffixedPartition("partid", "service", "product", "us-west-2")

	assert.Equal(t, "_SK_service_product_us-west-2", p.SystemKeyID())
}

func TestSuffixedPartition_IntermediateKeyID(t *testing.T) {
	p := newSuffixedPartition("partid", "service", "product", "us-west-2")

	assert.Equal(t, "_IK_partid_service_product_us-west-2", p.IntermediateKeyID())
}

func TestSuffixedPartition_IsValidIntermediateKeyID(t *testing.T) {
	p := newSuffixedPartition("partid", "service", "product", "us-west-2")

	assert.True(t, p.IsValidIntermediateKeyID("_IK_partid_service_product_us-west-2"))

	// records written before the suffix was enabled remain valid
	assert.True(t, p.IsValidIntermediateKeyID("_IK_partid_service_product"))

	assert.False(t, p.IsValidIntermediateKeyID("_IK_other_service_product_us-west-2"))
	assert.False(t, p.IsValidIntermediateKeyID("_IK_partid_service_product_eu-west-1"))
}
