// Package modelfile reads and writes the on-disk "CLLM" model file and
// its companion ".state" optimizer checkpoint. No available ecosystem
// serialization library targets a fixed C-struct-compatible
// header-plus-vector layout, so this package falls back to the
// standard library's encoding/binary (as does the CLI's token-file
// reader in cmd/cllm-train).
package modelfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/sphere-lm/cllm/go/cllmerr"
)

// magic is the four-byte ASCII tag that opens a model file, followed by
// three zero bytes and a one-byte format version.
var magic = [4]byte{'C', 'L', 'L', 'M'}

const (
	currentVersion = 1

	// architectureTransformer is the only architecture tag this repo's
	// reference implementation produces or accepts.
	architectureTransformer = 1

	// goldenRatio stamps the header field of the same name; it carries
	// no validation weight, matching the rest of this package's
	// metadata fields (model_name, description, timestamp).
	goldenRatio = 1.618033988749895

	// nameFieldLen is the fixed on-disk width of model_name and
	// description; longer strings are truncated on write.
	nameFieldLen = 256
)

// Header mirrors the fixed fields at the start of a model file, before
// the P little-endian f32 parameter values.
type Header struct {
	Version       uint32
	Architecture  uint32
	VocabSize     uint32
	EmbeddingDim  uint32
	NumLayers     uint32
	NumHeads      uint32
	ContextLength uint32
	SymmetryOrder uint32
	GoldenRatio   float64
	Timestamp     int64
	ModelName     string
	Description   string
	TotalParams   uint64
}

// NewHeader builds a Header stamped with the current format version for
// a fresh checkpoint of the given architecture. modelName and
// description are free-text metadata, truncated to 256 bytes on write;
// totalParams should be len(params) for the vector this header will
// accompany.
func NewHeader(vocabSize, embeddingDim, numLayers, numHeads, symmetryOrder, contextLength, totalParams int, timestamp int64, modelName, description string) Header {
	return Header{
		Version:       currentVersion,
		Architecture:  architectureTransformer,
		VocabSize:     uint32(vocabSize),
		EmbeddingDim:  uint32(embeddingDim),
		NumLayers:     uint32(numLayers),
		NumHeads:      uint32(numHeads),
		ContextLength: uint32(contextLength),
		SymmetryOrder: uint32(symmetryOrder),
		GoldenRatio:   goldenRatio,
		Timestamp:     timestamp,
		ModelName:     modelName,
		Description:   description,
		TotalParams:   uint64(totalParams),
	}
}

func (h Header) validate(expectedK int) error {
	if h.Version == 0 || h.Version > 100 {
		return cllmerr.New(cllmerr.MalformedInput, "model file version out of range")
	}
	if h.VocabSize == 0 || h.VocabSize > 1_000_000 {
		return cllmerr.New(cllmerr.MalformedInput, "vocab_size out of range")
	}
	if h.EmbeddingDim == 0 || h.EmbeddingDim > 10_000 {
		return cllmerr.New(cllmerr.MalformedInput, "embedding_dim out of range")
	}
	if h.NumLayers == 0 || h.NumLayers > 100 {
		return cllmerr.New(cllmerr.MalformedInput, "num_layers out of range")
	}
	if expectedK >= 0 && int(h.SymmetryOrder) != expectedK {
		return cllmerr.New(cllmerr.MalformedInput, "symmetry_order does not match configured K")
	}
	return nil
}

func putFixedString(bw *bufio.Writer, s string) error {
	buf := make([]byte, nameFieldLen)
	copy(buf, s)
	_, err := bw.Write(buf)
	return err
}

func readFixedString(br *bufio.Reader) (string, error) {
	buf := make([]byte, nameFieldLen)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	if n := bytes.IndexByte(buf, 0); n >= 0 {
		buf = buf[:n]
	}
	return string(buf), nil
}

// Write serializes header and params (len(params) must equal
// h.TotalParams, or, if h.TotalParams is zero, it is set from
// len(params) before writing) to w: magic, three zero bytes, a
// redundant version byte, the fixed header fields in spec order, then
// the parameter vector.
func Write(w io.Writer, h Header, params []float32) error {
	if h.TotalParams == 0 {
		h.TotalParams = uint64(len(params))
	}
	if uint64(len(params)) != h.TotalParams {
		return cllmerr.New(cllmerr.InvariantViolation, "parameter slice length does not match header total_params")
	}
	bw := bufio.NewWriter(w)

	if _, err := bw.Write(magic[:]); err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "write magic", err)
	}
	if _, err := bw.Write([]byte{0, 0, 0, byte(h.Version)}); err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "write version prologue", err)
	}

	u32fields := []uint32{
		h.Version, h.Architecture, h.VocabSize, h.EmbeddingDim,
		h.NumLayers, h.NumHeads, h.ContextLength, h.SymmetryOrder,
	}
	for _, f := range u32fields {
		if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
			return cllmerr.Wrap(cllmerr.MalformedInput, "write header field", err)
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, h.GoldenRatio); err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "write golden_ratio", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, h.Timestamp); err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "write timestamp", err)
	}
	if err := putFixedString(bw, h.ModelName); err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "write model_name", err)
	}
	if err := putFixedString(bw, h.Description); err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "write description", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, h.TotalParams); err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "write total_params", err)
	}

	for _, v := range params {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return cllmerr.Wrap(cllmerr.MalformedInput, "write parameter", err)
		}
	}
	return bw.Flush()
}

// Read parses a model file, validating the magic, version, and
// dimension bounds. expectedK < 0 skips the symmetry-order check (e.g.
// for a read-only inspection tool that doesn't yet know K).
func Read(r io.Reader, expectedK int) (Header, []float32, error) {
	var h Header
	br := bufio.NewReader(r)

	var gotMagic [4]byte
	if _, err := io.ReadFull(br, gotMagic[:]); err != nil {
		return h, nil, cllmerr.Wrap(cllmerr.MalformedInput, "read magic", err)
	}
	if gotMagic != magic {
		return h, nil, cllmerr.New(cllmerr.MalformedInput, "bad model file magic")
	}

	var versionBlock [4]byte
	if _, err := io.ReadFull(br, versionBlock[:]); err != nil {
		return h, nil, cllmerr.Wrap(cllmerr.MalformedInput, "read version block", err)
	}

	u32fields := make([]uint32, 8)
	for i := range u32fields {
		if err := binary.Read(br, binary.LittleEndian, &u32fields[i]); err != nil {
			return h, nil, cllmerr.Wrap(cllmerr.MalformedInput, "read header field", err)
		}
	}
	h.Version, h.Architecture, h.VocabSize, h.EmbeddingDim,
		h.NumLayers, h.NumHeads, h.ContextLength, h.SymmetryOrder =
		u32fields[0], u32fields[1], u32fields[2], u32fields[3],
		u32fields[4], u32fields[5], u32fields[6], u32fields[7]

	if err := binary.Read(br, binary.LittleEndian, &h.GoldenRatio); err != nil {
		return h, nil, cllmerr.Wrap(cllmerr.MalformedInput, "read golden_ratio", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &h.Timestamp); err != nil {
		return h, nil, cllmerr.Wrap(cllmerr.MalformedInput, "read timestamp", err)
	}
	modelName, err := readFixedString(br)
	if err != nil {
		return h, nil, cllmerr.Wrap(cllmerr.MalformedInput, "read model_name", err)
	}
	h.ModelName = modelName
	description, err := readFixedString(br)
	if err != nil {
		return h, nil, cllmerr.Wrap(cllmerr.MalformedInput, "read description", err)
	}
	h.Description = description
	if err := binary.Read(br, binary.LittleEndian, &h.TotalParams); err != nil {
		return h, nil, cllmerr.Wrap(cllmerr.MalformedInput, "read total_params", err)
	}

	if err := h.validate(expectedK); err != nil {
		return h, nil, err
	}

	params := make([]float32, h.TotalParams)
	for i := range params {
		if err := binary.Read(br, binary.LittleEndian, &params[i]); err != nil {
			return h, nil, cllmerr.Wrap(cllmerr.MalformedInput, "read parameter", err)
		}
	}
	return h, params, nil
}

// WriteFile creates (or truncates) path and writes h/params to it.
func WriteFile(path string, h Header, params []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "create model file", err)
	}
	defer f.Close()
	return Write(f, h, params)
}

// ReadFile opens path and parses a model file from it.
func ReadFile(path string, expectedK int) (Header, []float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, cllmerr.Wrap(cllmerr.MalformedInput, "open model file", err)
	}
	defer f.Close()
	return Read(f, expectedK)
}
