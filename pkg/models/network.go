package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Network is a reconstructed feed-forward classifier. Once built it is
// immutable and safe for concurrent Forward calls; there is no training mode
// to leave (the supported architectures carry no train-time layers).
type Network struct {
	architecture string
	inputDim     int
	outputDim    int
	layers       []denseLayer
}

// denseLayer is one fully connected layer: y = Wx + b.
type denseLayer struct {
	weights *mat.Dense
	bias    *mat.VecDense
}

// buildNetwork reconstructs the architecture declared by an artifact. It fails
// with an ArchitectureError for unknown architecture names and a CorruptError
// when the layer dimensions do not chain.
func buildNetwork(version string, w *weightsFile) (*Network, error) {
	switch w.architecture {
	case ArchLinear:
		if len(w.layers) != 1 {
			return nil, &CorruptError{
				Version: version,
				Reason:  fmt.Sprintf("linear architecture expects 1 layer, got %d", len(w.layers)),
			}
		}
	case ArchMLP:
		// Any number of layers chains.
	default:
		return nil, &ArchitectureError{Version: version, Architecture: w.architecture}
	}

	expectedInput := w.inputWidth * w.inputHeight
	prev := expectedInput
	n := &Network{
		architecture: w.architecture,
		inputDim:     expectedInput,
	}
	for i, l := range w.layers {
		if l.inDim != prev {
			return nil, &CorruptError{
				Version: version,
				Reason:  fmt.Sprintf("layer %d input dimension %d does not chain from %d", i, l.inDim, prev),
			}
		}
		n.layers = append(n.layers, denseLayer{
			weights: mat.NewDense(l.outDim, l.inDim, l.weights),
			bias:    mat.NewVecDense(l.outDim, l.bias),
		})
		prev = l.outDim
	}
	n.outputDim = prev
	return n, nil
}

// InputDim returns the flattened input vector length.
func (n *Network) InputDim() int {
	return n.inputDim
}

// OutputDim returns the number of output classes.
func (n *Network) OutputDim() int {
	return n.outputDim
}

// Architecture returns the architecture name.
func (n *Network) Architecture() string {
	return n.architecture
}

// Forward runs one input vector through the network and returns raw logits.
// It does not apply softmax; callers own probability normalization.
func (n *Network) Forward(input []float64) ([]float64, error) {
	if len(input) != n.inputDim {
		return nil, fmt.Errorf("expected input of length %d, got %d", n.inputDim, len(input))
	}
	x := mat.NewVecDense(len(input), input)
	for i, layer := range n.layers {
		rows, _ := layer.weights.Dims()
		y := mat.NewVecDense(rows, nil)
		y.MulVec(layer.weights, x)
		y.AddVec(y, layer.bias)
		// ReLU between layers, never after the final one.
		if i < len(n.layers)-1 {
			for j := 0; j < rows; j++ {
				if y.AtVec(j) < 0 {
					y.SetVec(j, 0)
				}
			}
		}
		x = y
	}
	out := make([]float64, x.Len())
	copy(out, x.RawVector().Data)
	return out, nil
}

// ForwardBatch stacks the input vectors into one matrix (a column per image)
// and runs a single forward pass, returning per-image logits.
func (n *Network) ForwardBatch(inputs [][]float64) ([][]float64, error) {
	count := len(inputs)
	if count == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	x := mat.NewDense(n.inputDim, count, nil)
	for j, input := range inputs {
		if len(input) != n.inputDim {
			return nil, fmt.Errorf("image %d: expected input of length %d, got %d", j, n.inputDim, len(input))
		}
		x.SetCol(j, input)
	}
	for i, layer := range n.layers {
		rows, _ := layer.weights.Dims()
		y := mat.NewDense(rows, count, nil)
		y.Mul(layer.weights, x)
		final := i == len(n.layers)-1
		for j := 0; j < count; j++ {
			for k := 0; k < rows; k++ {
				v := y.At(k, j) + layer.bias.AtVec(k)
				if !final && v < 0 {
					v = 0
				}
				y.Set(k, j, v)
			}
		}
		x = y
	}
	outputs := make([][]float64, count)
	for j := range outputs {
		col := make([]float64, n.outputDim)
		mat.Col(col, j, x)
		outputs[j] = col
	}
	return outputs, nil
}
