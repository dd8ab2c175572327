//go:build property
// +build property

package atom_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/stratalabs/strata/pkg/atom"
)

// TestCanonicalizeDeterminism verifies that canonicalization of the same
// object always yields identical bytes.
func TestCanonicalizeDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical bytes are deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			c1, err1 := atom.Canonicalize(obj)
			c2, err2 := atom.Canonicalize(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(c1) == string(c2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalizeRoundTrip verifies canonicalize(parse(canonicalize(x)))
// equals canonicalize(x) for arbitrary flat objects.
func TestCanonicalizeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is a fixed point", prop.ForAll(
		func(keys []string, nums []int64) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(nums); i++ {
				if keys[i] != "" {
					obj[keys[i]] = nums[i]
				}
			}
			c1, err := atom.Canonicalize(obj)
			if err != nil {
				return false
			}
			parsed, err := atom.Parse(c1)
			if err != nil {
				return false
			}
			c2, err := atom.Canonicalize(parsed)
			if err != nil {
				return false
			}
			return string(c1) == string(c2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64Range(-(1 << 53), 1 << 53)),
	))

	properties.TestingRun(t)
}

// TestHashStability verifies hashes are independent of map iteration order.
func TestHashStability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is stable across recomputation", prop.ForAll(
		func(keys []string) bool {
			obj := make(map[string]any)
			for i, k := range keys {
				if k != "" {
					obj[k] = i
				}
			}
			h1, err1 := atom.Hash(obj)
			h2, err2 := atom.Hash(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
