package transformerops

import "math"

// NewParams allocates a flat parameter vector of length cfg.TotalParams()
// and fills it with a scaled-uniform initialization (grounded on
// go/neuro/utils.XavierUniform: range +-sqrt(6/(fanIn+fanOut))), using
// src as the source of randomness so initialization stays reproducible
// across runs of the same seed.
func NewParams(cfg Config, src RandSource) []float32 {
	p := make([]float32, cfg.TotalParams())
	lay := newLayout(cfg)

	xavier(p[lay.embedOff:lay.embedOff+cfg.VocabSize*cfg.DModel], cfg.VocabSize, cfg.DModel, src)

	for i := 0; i < cfg.NumLayers; i++ {
		lv := lay.layerViewAt(p, i)
		d, h := cfg.DModel, cfg.FFHidden
		xavier(lv.Wq, d, d, src)
		xavier(lv.Wk, d, d, src)
		xavier(lv.Wv, d, d, src)
		xavier(lv.Wo, d, d, src)
		ones(lv.LN1Gamma)
		ones(lv.LN2Gamma)
		xavier(lv.W1, d, h, src)
		xavier(lv.W2, h, d, src)
	}

	gammaF, _ := lay.finalLN(p)
	ones(gammaF)

	outW, _ := lay.outProj(p)
	xavier(outW, cfg.DModel, cfg.VocabSize, src)

	return p
}

// RandSource is the minimal randomness Reference needs for
// initialization, satisfied by *rand.Rand. Kept as an interface so
// callers can inject a deterministic source in tests.
type RandSource interface {
	Float64() float64
}

func xavier(dst []float32, fanIn, fanOut int, src RandSource) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range dst {
		dst[i] = float32((src.Float64()*2 - 1) * bound)
	}
}

func ones(dst []float32) {
	for i := range dst {
		dst[i] = 1
	}
}
