// Package compute implements the fixed set of compute kernels a step's
// compute asset can bind to. Each kernel consumes JSON-encoded numeric
// data assets and produces a JSON-encoded result, mirroring the demo
// kernels of the distillation's local workflow runner.
package compute

import (
	"encoding/json"

	"github.com/ddm-net/ddm/internal/ddmerrors"
)

// Kernel is a pure function over a step's named data inputs, returning
// the payload for each of the step's declared outputs.
type Kernel = func(inputs map[string][]byte) (map[string][]byte, error)

// Registry maps a compute asset's local name to its kernel implementation.
// A real deployment resolves this from the compute asset's identifier
// name segment; kernels here are intentionally small and total.
var Registry = map[string]Kernel{
	"combine":   Combine,
	"anonymise": Anonymise,
	"aggregate": Aggregate,
	"addition":  Addition,
}

// Lookup resolves name to its kernel, or UndefinedItem if unknown.
func Lookup(name string) (Kernel, error) {
	k, ok := Registry[name]
	if !ok {
		return nil, ddmerrors.New(ddmerrors.UndefinedItem, "unknown compute kernel").WithDetails("kernel", name)
	}
	return k, nil
}

func decodeFloats(raw []byte) ([]float64, error) {
	var xs []float64
	if err := json.Unmarshal(raw, &xs); err != nil {
		return nil, ddmerrors.Wrap(ddmerrors.Internal, "decoding numeric data asset", err)
	}
	return xs, nil
}

func encodeFloats(xs []float64) []byte {
	b, _ := json.Marshal(xs)
	return b
}

func decodeFloat(raw []byte) (float64, error) {
	var x float64
	if err := json.Unmarshal(raw, &x); err != nil {
		return 0, ddmerrors.Wrap(ddmerrors.Internal, "decoding numeric data asset", err)
	}
	return x, nil
}

// Combine pairs two numeric vectors x1 and x2 into a single two-column
// table [[x1[i], x2[i]], ...].
func Combine(inputs map[string][]byte) (map[string][]byte, error) {
	x1, err := decodeFloats(inputs["x1"])
	if err != nil {
		return nil, err
	}
	x2, err := decodeFloats(inputs["x2"])
	if err != nil {
		return nil, err
	}
	if len(x1) != len(x2) {
		return nil, ddmerrors.New(ddmerrors.Internal, "combine requires equal-length vectors")
	}
	paired := make([][2]float64, len(x1))
	for i := range x1 {
		paired[i] = [2]float64{x1[i], x2[i]}
	}
	b, _ := json.Marshal(paired)
	return map[string][]byte{"combined": b}, nil
}

// Anonymise subtracts a fixed offset from every element of x1, the demo
// stand-in for a real de-identification transform.
func Anonymise(inputs map[string][]byte) (map[string][]byte, error) {
	const offset = 10
	x1, err := decodeFloats(inputs["x1"])
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(x1))
	for i, v := range x1 {
		out[i] = v - offset
	}
	return map[string][]byte{"anonymised": encodeFloats(out)}, nil
}

// Aggregate computes the arithmetic mean of x1.
func Aggregate(inputs map[string][]byte) (map[string][]byte, error) {
	x1, err := decodeFloats(inputs["x1"])
	if err != nil {
		return nil, err
	}
	if len(x1) == 0 {
		return nil, ddmerrors.New(ddmerrors.Internal, "aggregate requires a non-empty vector")
	}
	var sum float64
	for _, v := range x1 {
		sum += v
	}
	mean := sum / float64(len(x1))
	return map[string][]byte{"mean": encodeFloats([]float64{mean})}, nil
}

// Addition sums two scalars x1 and x2.
func Addition(inputs map[string][]byte) (map[string][]byte, error) {
	x1, err := decodeFloat(inputs["x1"])
	if err != nil {
		return nil, err
	}
	x2, err := decodeFloat(inputs["x2"])
	if err != nil {
		return nil, err
	}
	sum := x1 + x2
	b, _ := json.Marshal(sum)
	return map[string][]byte{"sum": b}, nil
}
