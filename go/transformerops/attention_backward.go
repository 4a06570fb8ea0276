package transformerops

import (
	"math"

	"github.com/sphere-lm/cllm/go/batch"
)

// attentionBackward backprops through multi-head self-attention:
// dConcat (gradient w.r.t. the head-concatenated weighted-V output) flows
// to dQ/dK/dV via the softmax-attention Jacobian, which in turn flow
// through the Wq/Wk/Wv projections back to dLn1 (gradient w.r.t. the
// layer-norm-1 output that fed all three projections), accumulating the
// projection weight/bias gradients into glv along the way.
func (r *Reference) attentionBackward(bt *batch.Batch, lv, glv layerView, s *Scratch, l int, dConcat, dLn1 []float32) {
	d, numHeads := r.cfg.DModel, r.cfg.NumHeads
	headDim := d / numHeads
	seq := bt.SeqLen
	n := bt.BatchSize * seq

	q, k, v := s.attnQ[l], s.attnK[l], s.attnV[l]
	weights := s.attnWeights[l]
	scale := 1.0 / math.Sqrt(float64(headDim))

	dQ := make([]float32, n*d)
	dK := make([]float32, n*d)
	dV := make([]float32, n*d)

	for b := 0; b < bt.BatchSize; b++ {
		base := b * seq
		wBase := b * seq * seq
		for h := 0; h < numHeads; h++ {
			off := h * headDim

			dw := make([][]float32, seq)
			for i := 0; i < seq; i++ {
				dw[i] = make([]float32, seq)
				dOutI := dConcat[(base+i)*d+off : (base+i)*d+off+headDim]
				for j := 0; j < seq; j++ {
					vj := v[(base+j)*d+off : (base+j)*d+off+headDim]
					var dot float64
					for x := 0; x < headDim; x++ {
						dot += float64(dOutI[x]) * float64(vj[x])
					}
					dw[i][j] = float32(dot)

					wij := weights[wBase+i*seq+j]
					dVj := dV[(base+j)*d+off : (base+j)*d+off+headDim]
					for x := 0; x < headDim; x++ {
						dVj[x] += wij * dOutI[x]
					}
				}
			}

			for i := 0; i < seq; i++ {
				wi := weights[wBase+i*seq : wBase+i*seq+seq]
				var dwDotW float64
				for j := 0; j < seq; j++ {
					dwDotW += float64(wi[j]) * float64(dw[i][j])
				}
				dScores := make([]float32, seq)
				for j := 0; j < seq; j++ {
					dScores[j] = wi[j] * (dw[i][j] - float32(dwDotW))
				}

				qi := q[(base+i)*d+off : (base+i)*d+off+headDim]
				dQi := dQ[(base+i)*d+off : (base+i)*d+off+headDim]
				for j := 0; j < seq; j++ {
					kj := k[(base+j)*d+off : (base+j)*d+off+headDim]
					dKj := dK[(base+j)*d+off : (base+j)*d+off+headDim]
					coef := dScores[j] * float32(scale)
					for x := 0; x < headDim; x++ {
						dQi[x] += coef * kj[x]
						dKj[x] += coef * qi[x]
					}
				}
			}
		}
	}

	dLn1Q := make([]float32, n*d)
	dLn1K := make([]float32, n*d)
	dLn1V := make([]float32, n*d)
	linearBackward(s.ln1Out[l], lv.Wq, dQ, dLn1Q, glv.Wq, glv.Bq, n, d, d)
	linearBackward(s.ln1Out[l], lv.Wk, dK, dLn1K, glv.Wk, glv.Bk, n, d, d)
	linearBackward(s.ln1Out[l], lv.Wv, dV, dLn1V, glv.Wv, glv.Bv, n, d, d)

	for i := range dLn1 {
		dLn1[i] = dLn1Q[i] + dLn1K[i] + dLn1V[i]
	}
}
