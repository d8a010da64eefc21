package models

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/opencontainers/go-digest"
)

// Weights artifact layout (all integers little-endian):
//
//	magic           [4]byte "AQWT"
//	format version  uint16
//	architecture    uint16 length + bytes
//	input width     uint32
//	input height    uint32
//	layer count     uint16
//	payload digest  uint16 length + canonical digest string
//	payload         per layer: inDim uint32, outDim uint32,
//	                weights float32[outDim*inDim] (row-major),
//	                bias float32[outDim]
//
// The declared digest covers the payload bytes only, so the header remains
// readable even when the tensor data is damaged.

var weightsMagic = [4]byte{'A', 'Q', 'W', 'T'}

// weightsFormatVersion is the current artifact format version.
const weightsFormatVersion uint16 = 1

// Architecture names this runner can reconstruct.
const (
	// ArchLinear is a single dense layer over the flattened input.
	ArchLinear = "linear"
	// ArchMLP is a stack of dense layers with ReLU activations between them.
	ArchMLP = "mlp"
)

// weightsFile is the decoded form of a model.weights artifact.
type weightsFile struct {
	architecture string
	inputWidth   int
	inputHeight  int
	declared     digest.Digest
	computed     digest.Digest
	layers       []layerWeights
}

// layerWeights holds one dense layer's raw parameters.
type layerWeights struct {
	inDim   int
	outDim  int
	weights []float64
	bias    []float64
}

// paramCount returns the total number of parameters across all layers.
func (w *weightsFile) paramCount() int64 {
	var n int64
	for _, l := range w.layers {
		n += int64(l.inDim)*int64(l.outDim) + int64(l.outDim)
	}
	return n
}

// parseWeights decodes a model.weights artifact. The version argument is only
// used for error attribution.
func parseWeights(version string, data []byte) (*weightsFile, error) {
	r := bytes.NewReader(data)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != weightsMagic {
		return nil, &CorruptError{Version: version, Reason: "bad magic"}
	}

	var format uint16
	if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
		return nil, &CorruptError{Version: version, Reason: "truncated header"}
	}
	if format != weightsFormatVersion {
		return nil, &CorruptError{
			Version: version,
			Reason:  fmt.Sprintf("unsupported format version %d", format),
		}
	}

	arch, err := readString(r)
	if err != nil {
		return nil, &CorruptError{Version: version, Reason: "truncated architecture name"}
	}

	var width, height uint32
	if err := binary.Read(r, binary.LittleEndian, &width); err != nil {
		return nil, &CorruptError{Version: version, Reason: "truncated input dimensions"}
	}
	if err := binary.Read(r, binary.LittleEndian, &height); err != nil {
		return nil, &CorruptError{Version: version, Reason: "truncated input dimensions"}
	}

	var layerCount uint16
	if err := binary.Read(r, binary.LittleEndian, &layerCount); err != nil {
		return nil, &CorruptError{Version: version, Reason: "truncated layer count"}
	}
	if layerCount == 0 {
		return nil, &CorruptError{Version: version, Reason: "no layers"}
	}

	declaredRaw, err := readString(r)
	if err != nil {
		return nil, &CorruptError{Version: version, Reason: "truncated digest"}
	}
	declared, err := digest.Parse(declaredRaw)
	if err != nil {
		return nil, &CorruptError{Version: version, Reason: "malformed digest: " + err.Error()}
	}

	// Everything that remains is payload. Validate it against the declared
	// digest before spending time decoding tensors.
	payload := data[len(data)-r.Len():]
	computed := digest.FromBytes(payload)
	w := &weightsFile{
		architecture: arch,
		inputWidth:   int(width),
		inputHeight:  int(height),
		declared:     declared,
		computed:     computed,
	}
	if computed != declared {
		return nil, &CorruptError{Version: version, Declared: declared, Computed: computed}
	}

	for i := 0; i < int(layerCount); i++ {
		var inDim, outDim uint32
		if err := binary.Read(r, binary.LittleEndian, &inDim); err != nil {
			return nil, &CorruptError{Version: version, Reason: fmt.Sprintf("truncated layer %d", i)}
		}
		if err := binary.Read(r, binary.LittleEndian, &outDim); err != nil {
			return nil, &CorruptError{Version: version, Reason: fmt.Sprintf("truncated layer %d", i)}
		}
		if inDim == 0 || outDim == 0 {
			return nil, &CorruptError{Version: version, Reason: fmt.Sprintf("layer %d has zero dimension", i)}
		}
		weights, err := readFloats(r, int(inDim)*int(outDim))
		if err != nil {
			return nil, &CorruptError{Version: version, Reason: fmt.Sprintf("truncated layer %d weights", i)}
		}
		bias, err := readFloats(r, int(outDim))
		if err != nil {
			return nil, &CorruptError{Version: version, Reason: fmt.Sprintf("truncated layer %d bias", i)}
		}
		w.layers = append(w.layers, layerWeights{
			inDim:   int(inDim),
			outDim:  int(outDim),
			weights: weights,
			bias:    bias,
		})
	}
	return w, nil
}

// EncodeWeights serializes an artifact in the model.weights format. It is used
// by the model packaging tool and by tests.
func EncodeWeights(architecture string, inputWidth, inputHeight int, layers []Layer) ([]byte, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("at least one layer is required")
	}

	var payload bytes.Buffer
	for i, l := range layers {
		if len(l.Weights) != l.InDim*l.OutDim {
			return nil, fmt.Errorf("layer %d: expected %d weights, got %d", i, l.InDim*l.OutDim, len(l.Weights))
		}
		if len(l.Bias) != l.OutDim {
			return nil, fmt.Errorf("layer %d: expected %d biases, got %d", i, l.OutDim, len(l.Bias))
		}
		binary.Write(&payload, binary.LittleEndian, uint32(l.InDim))
		binary.Write(&payload, binary.LittleEndian, uint32(l.OutDim))
		for _, v := range l.Weights {
			binary.Write(&payload, binary.LittleEndian, float32(v))
		}
		for _, v := range l.Bias {
			binary.Write(&payload, binary.LittleEndian, float32(v))
		}
	}

	var buf bytes.Buffer
	buf.Write(weightsMagic[:])
	binary.Write(&buf, binary.LittleEndian, weightsFormatVersion)
	writeString(&buf, architecture)
	binary.Write(&buf, binary.LittleEndian, uint32(inputWidth))
	binary.Write(&buf, binary.LittleEndian, uint32(inputHeight))
	binary.Write(&buf, binary.LittleEndian, uint16(len(layers)))
	writeString(&buf, digest.FromBytes(payload.Bytes()).String())
	buf.Write(payload.Bytes())
	return buf.Bytes(), nil
}

// Layer is the external representation of one dense layer, used when encoding
// artifacts.
type Layer struct {
	InDim   int
	OutDim  int
	Weights []float64
	Bias    []float64
}

// WeightsInfo summarizes an artifact without reconstructing the network.
type WeightsInfo struct {
	Architecture string
	InputWidth   int
	InputHeight  int
	LayerDims    [][2]int
	ParamCount   int64
	Checksum     digest.Digest
}

// InspectWeights decodes and validates an artifact, returning its summary. It
// is used by the model packaging tool.
func InspectWeights(data []byte) (*WeightsInfo, error) {
	w, err := parseWeights("artifact", data)
	if err != nil {
		return nil, err
	}
	info := &WeightsInfo{
		Architecture: w.architecture,
		InputWidth:   w.inputWidth,
		InputHeight:  w.inputHeight,
		ParamCount:   w.paramCount(),
		Checksum:     w.computed,
	}
	for _, l := range w.layers {
		info.LayerDims = append(info.LayerDims, [2]int{l.inDim, l.outDim})
	}
	return info, nil
}

func readString(r *bytes.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readFloats(r *bytes.Reader, count int) ([]float64, error) {
	raw := make([]byte, 4*count)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	out := make([]float64, count)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[4*i:])
		out[i] = float64(math.Float32frombits(bits))
	}
	return out, nil
}
