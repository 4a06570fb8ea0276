// Package transformerops defines the external forward/backward contract
// for the transformer arithmetic — intentionally out of scope for the
// training core itself — and ships one concrete implementation,
// Reference, so end-to-end runs are actually runnable.
//
// Reference is a conventional embedding -> N x {layer-norm, multi-head
// attention, feed-forward, residual} -> vocabulary-projection transformer,
// adapted from an autograd library's tensor-based MultiHeadAttention,
// TransformerBlock, FeedForward, and LayerNorm (which operate on a
// tensor type via method calls) down to flat []float32 buffers with
// explicit offsets and typed slice views, replacing ad-hoc pointer
// aliasing into a flat parameter vector.
package transformerops

// Config fixes the architecture's shape. Unlike a general autograd
// framework, the core does not support architecture changes mid-run.
type Config struct {
	VocabSize int
	DModel    int
	NumLayers int
	NumHeads  int
	FFHidden  int
	BatchSize int
	SeqLen    int
}

// layerSize is the number of flat parameters in a single transformer
// block: Wq,Wk,Wv,Wo (D*D each) + their biases (D each), two LayerNorms
// (gamma+beta, D each), and a feed-forward block (D*Hff + Hff + Hff*D + D).
func (c Config) layerSize() int {
	d, h := c.DModel, c.FFHidden
	attn := 4*d*d + 4*d
	lns := 2 * (2 * d)
	ff := d*h + h + h*d + d
	return attn + lns + ff
}

// TotalParams returns P, the fixed parameter count for this
// configuration: embedding + L transformer blocks + final layer-norm +
// output projection.
func (c Config) TotalParams() int {
	embed := c.VocabSize * c.DModel
	layers := c.NumLayers * c.layerSize()
	finalLN := 2 * c.DModel
	outProj := c.DModel*c.VocabSize + c.VocabSize
	return embed + layers + finalLN + outProj
}

// layout records the flat-buffer byte (float) offsets of every named
// parameter tensor, computed once per Config so Params/Scratch never
// duplicate this arithmetic.
type layout struct {
	cfg Config

	embedOff int // VocabSize*DModel

	layerOff []int // start of each layer's block, len NumLayers

	finalLNOff int // 2*DModel
	outProjOff int // DModel*VocabSize + VocabSize
}

func newLayout(cfg Config) layout {
	l := layout{cfg: cfg}
	l.embedOff = 0
	off := cfg.VocabSize * cfg.DModel

	l.layerOff = make([]int, cfg.NumLayers)
	for i := 0; i < cfg.NumLayers; i++ {
		l.layerOff[i] = off
		off += cfg.layerSize()
	}

	l.finalLNOff = off
	off += 2 * cfg.DModel

	l.outProjOff = off
	off += cfg.DModel*cfg.VocabSize + cfg.VocabSize

	return l
}

// layerView describes one transformer block's parameter sub-slices,
// each a window into the shared flat parameter (or gradient) buffer.
type layerView struct {
	Wq, Bq, Wk, Bk, Wv, Bv, Wo, Bo []float32
	LN1Gamma, LN1Beta              []float32
	W1, B1, W2, B2                 []float32
	LN2Gamma, LN2Beta              []float32
}

// layerViewAt slices flat starting at the layer's offset. flat must be
// either the parameter vector or the gradient vector — both share the
// same layout.
func (l layout) layerViewAt(flat []float32, i int) layerView {
	d, h := l.cfg.DModel, l.cfg.FFHidden
	p := flat[l.layerOff[i]:]
	cursor := 0
	next := func(n int) []float32 {
		s := p[cursor : cursor+n]
		cursor += n
		return s
	}
	return layerView{
		Wq: next(d * d), Bq: next(d),
		Wk: next(d * d), Bk: next(d),
		Wv: next(d * d), Bv: next(d),
		Wo: next(d * d), Bo: next(d),
		LN1Gamma: next(d), LN1Beta: next(d),
		W1: next(d * h), B1: next(h),
		W2: next(h * d), B2: next(d),
		LN2Gamma: next(d), LN2Beta: next(d),
	}
}

func (l layout) embedding(flat []float32) []float32 {
	return flat[l.embedOff : l.embedOff+l.cfg.VocabSize*l.cfg.DModel]
}

func (l layout) finalLN(flat []float32) (gamma, beta []float32) {
	d := l.cfg.DModel
	s := flat[l.finalLNOff : l.finalLNOff+2*d]
	return s[:d], s[d:]
}

func (l layout) outProj(flat []float32) (w, b []float32) {
	d, v := l.cfg.DModel, l.cfg.VocabSize
	s := flat[l.outProjOff:]
	return s[:d*v], s[d*v : d*v+v]
}
