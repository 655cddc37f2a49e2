package rowseal

import (
	"fmt"
	"strings"
)

// partition derives the system and intermediate key identifiers for a
// partition id and validates intermediate key ids found in untrusted row
// records.
type partition interface {
	SystemKeyID() string
	IntermediateKeyID() string
	IsValidIntermediateKeyID(id string) bool
}

func newPartition(id, service, product string) defaultPartition {
	return defaultPartition{
		id:      id,
		service: service,
		product: product,
	}
}

// defaultPartition derives unsuffixed key identifiers.
type defaultPartition struct {
	id      string
	service string
	product string
}

// SystemKeyID returns the system key identifier for the service/product.
func (p defaultPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s", p.service, p.product)
}

// IntermediateKeyID returns the intermediate key identifier for this
// partition.
func (p defaultPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s", p.id, p.service, p.product)
}

// IsValidIntermediateKeyID reports whether id names this partition's
// intermediate key.
func (p defaultPartition) IsValidIntermediateKeyID(id string) bool {
	return strings.HasPrefix(id, "_IK_") && id == p.IntermediateKeyID()
}

func newSuffixedPartition(id, service, product, suffix string) suffixedPartition {
	return suffixedPartition{
		defaultPartition: defaultPartition{
			id:      id,
			service: service,
			product: product,
		},
		suffix: suffix,
	}
}

// suffixedPartition appends a regional suffix to both key identifiers.
// Used with multi-region metastores where regional writers must not
// collide on key ids.
type suffixedPartition struct {
	defaultPartition
	suffix string
}

// SystemKeyID returns the suffixed system key identifier.
func (p suffixedPartition) SystemKeyID() string {
	return fmt.Sprintf("%s_%s", p.defaultPartition.SystemKeyID(), p.suffix)
}

// IntermediateKeyID returns the suffixed intermediate key identifier.
func (p suffixedPartition) IntermediateKeyID() string {
	return fmt.Sprintf("%s_%s", p.defaultPartition.IntermediateKeyID(), p.suffix)
}

// IsValidIntermediateKeyID accepts this partition's suffixed id as well
// as the unsuffixed form, so records written before the suffix was
// enabled remain decryptable.
func (p suffixedPartition) IsValidIntermediateKeyID(id string) bool {
	if !strings.HasPrefix(id, "_IK_") {
		return false
	}

	return id == p.IntermediateKeyID() || id == p.defaultPartition.IntermediateKeyID()
}
