package transformerops

// Scratch is a worker's private workspace, reused across every batch
// the worker processes. It is allocated once when a WorkerSphere enters
// service and freed when the sphere terminates; per-batch
// Forward/Backward calls only overwrite it, never resize it.
type Scratch struct {
	cfg Config
	lay layout

	embedded []float32 // B*S*D, embedding lookup + positional encoding

	layerInput  [][]float32 // L x B*S*D, input to block i (residual base)
	ln1Out      [][]float32 // L x B*S*D, post layer-norm-1
	attnOut     [][]float32 // L x B*S*D, attention output plus residual (input to layer-norm-2)
	ln2Out      [][]float32 // L x B*S*D, post layer-norm-2
	ffHidden    [][]float32 // L x B*S*Hff, post-GELU hidden activations
	ffOut       [][]float32 // L x B*S*D, feed-forward output (pre residual-add)
	layerOutput [][]float32 // L x B*S*D, block output (residual-added)

	attnQ, attnK, attnV [][]float32 // L x (B*S*D), projected Q/K/V
	attnWeights         [][]float32 // L x B*S*S (softmax weights, per batch row b: S*S block)
	attnConcat          [][]float32 // L x B*S*D, head-concatenated attention output, pre-Wo

	ffPreAct [][]float32 // L x B*S*Hff, feed-forward hidden pre-activation (pre-GELU)

	finalHidden []float32 // B*S*D, post final layer-norm
	logits      []float32 // B*S*V

	// backward temporaries, reused across calls
	gradLogits    []float32 // B*S*V
	gradHidden    []float32 // B*S*D
	gradLayerOut  []float32 // B*S*D
	gradFull      []float32 // P, full dense gradient before segment extraction
	validPosMask  []bool    // B*S, true at non-padded, lookahead-valid positions
}

// NewScratch allocates every buffer Forward/Backward touch, sized for
// cfg.BatchSize x cfg.SeqLen sequences. A batch smaller than BatchSize
// (the final epoch batch, undropped) still fits — callers only use the
// first batch.ValidTokenCount-derived prefix.
func NewScratch(cfg Config) *Scratch {
	lay := newLayout(cfg)
	b, s, d, h, v, l := cfg.BatchSize, cfg.SeqLen, cfg.DModel, cfg.FFHidden, cfg.VocabSize, cfg.NumLayers

	mk := func(n int) []float32 { return make([]float32, n) }
	mkLayers := func(n int) [][]float32 {
		out := make([][]float32, l)
		for i := range out {
			out[i] = mk(n)
		}
		return out
	}

	return &Scratch{
		cfg: cfg,
		lay: lay,

		embedded: mk(b * s * d),

		layerInput:  mkLayers(b * s * d),
		ln1Out:      mkLayers(b * s * d),
		attnOut:     mkLayers(b * s * d),
		ln2Out:      mkLayers(b * s * d),
		ffHidden:    mkLayers(b * s * h),
		ffOut:       mkLayers(b * s * d),
		layerOutput: mkLayers(b * s * d),

		attnQ:       mkLayers(b * s * d),
		attnK:       mkLayers(b * s * d),
		attnV:       mkLayers(b * s * d),
		attnWeights: mkLayers(b * s * s),
		attnConcat:  mkLayers(b * s * d),

		ffPreAct: mkLayers(b * s * h),

		finalHidden: mk(b * s * d),
		logits:      mk(b * s * v),

		gradLogits:   mk(b * s * v),
		gradHidden:   mk(b * s * d),
		gradLayerOut: mk(b * s * d),
		gradFull:     mk(cfg.TotalParams()),
		validPosMask: make([]bool, b*s),
	}
}
