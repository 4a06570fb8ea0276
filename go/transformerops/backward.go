package transformerops

import (
	"math"

	"github.com/sphere-lm/cllm/go/batch"
)

// Backward computes the full dense gradient of the loss the preceding
// Forward call produced (s must not have been touched by another batch
// in between) into s.gradFull, then adds the [segStart, segStart+len)
// window of it onto gradSegment, per the Ops contract: a worker only
// ever contributes the slice of the gradient that lands in its own
// segment (go/gradient's partition), never the rest.
func (r *Reference) Backward(bt *batch.Batch, params []float32, s *Scratch, gradSegment []float32, segStart int) error {
	for i := range s.gradFull {
		s.gradFull[i] = 0
	}
	d, h, v := r.cfg.DModel, r.cfg.FFHidden, r.cfg.VocabSize
	n := bt.BatchSize * bt.SeqLen

	var validCount int
	for i := 0; i < n; i++ {
		if s.validPosMask[i] {
			validCount++
		}
	}
	if validCount == 0 {
		// gradFull is all zeros here, so there is nothing to add.
		return nil
	}
	invValid := float32(1.0 / float64(validCount))

	// dLogits: softmax(logits) - one_hot(target), zeroed at invalid
	// positions, scaled by 1/validCount (mean loss).
	for i := 0; i < n; i++ {
		row := s.logits[i*v : (i+1)*v]
		dRow := s.gradLogits[i*v : (i+1)*v]
		if !s.validPosMask[i] {
			for j := range dRow {
				dRow[j] = 0
			}
			continue
		}
		copy(dRow, row)
		softmaxInPlace(dRow)
		dRow[bt.TargetIDs[i]] -= 1
		for j := range dRow {
			dRow[j] *= invValid
		}
	}

	outW, _ := r.lay.outProj(params)
	gOutW, gOutB := r.lay.outProj(s.gradFull)
	for i := 0; i < n; i++ {
		row := s.finalHidden[i*d : (i+1)*d]
		dRow := s.gradLogits[i*v : (i+1)*v]
		dHidden := s.gradHidden[i*d : (i+1)*d]
		for k := 0; k < d; k++ {
			var acc float64
			for j := 0; j < v; j++ {
				acc += float64(dRow[j]) * float64(outW[k*v+j])
				gOutW[k*v+j] += row[k] * dRow[j]
			}
			dHidden[k] = float32(acc)
		}
		for j := 0; j < v; j++ {
			gOutB[j] += dRow[j]
		}
	}

	lastLayer := r.cfg.NumLayers - 1
	var lastOut []float32
	if lastLayer >= 0 {
		lastOut = s.layerOutput[lastLayer]
	} else {
		lastOut = s.embedded
	}
	gammaF, _ := r.lay.finalLN(params)
	gGammaF, gBetaF := r.lay.finalLN(s.gradFull)
	dCurrent := make([]float32, n*d)
	layerNormBackward(lastOut, gammaF, s.gradHidden, dCurrent, gGammaF, gBetaF, n, d)

	for l := r.cfg.NumLayers - 1; l >= 0; l-- {
		lv := r.lay.layerViewAt(params, l)
		glv := r.lay.layerViewAt(s.gradFull, l)

		// x2 = ffOut[l] + attnOut[l] (residual); both branches receive dCurrent.
		dFfOut := dCurrent
		dAttnResidual := make([]float32, n*d)
		copy(dAttnResidual, dCurrent)

		dLn2Out := make([]float32, n*d)
		feedForwardBackward(s.ln2Out[l], lv.W1, lv.W2, s.ffHidden[l], s.ffPreAct[l], dFfOut, dLn2Out, glv.W1, glv.B1, glv.W2, glv.B2, n, d, h)

		dX1FromLN2 := make([]float32, n*d)
		layerNormBackward(s.attnOut[l], lv.LN2Gamma, dLn2Out, dX1FromLN2, glv.LN2Gamma, glv.LN2Beta, n, d)

		dX1 := make([]float32, n*d)
		for i := range dX1 {
			dX1[i] = dAttnResidual[i] + dX1FromLN2[i]
		}

		// x1 = Wo(concat) + x0 (residual); dX1 flows to both the Wo
		// output and straight through to x0.
		dX0FromResidual := make([]float32, n*d)
		copy(dX0FromResidual, dX1)

		dConcat := make([]float32, n*d)
		linearBackward(s.attnConcat[l], lv.Wo, dX1, dConcat, glv.Wo, glv.Bo, n, d, d)

		dLn1 := make([]float32, n*d)
		r.attentionBackward(bt, lv, glv, s, l, dConcat, dLn1)

		dX0FromLN1 := make([]float32, n*d)
		layerNormBackward(s.layerInput[l], lv.LN1Gamma, dLn1, dX0FromLN1, glv.LN1Gamma, glv.LN1Beta, n, d)

		dX0 := make([]float32, n*d)
		for i := range dX0 {
			dX0[i] = dX0FromResidual[i] + dX0FromLN1[i]
		}
		dCurrent = dX0
	}

	gEmbed := r.lay.embedding(s.gradFull)
	for i := 0; i < n; i++ {
		tok := int(bt.InputIDs[i])
		dRow := dCurrent[i*d : (i+1)*d]
		for k := 0; k < d; k++ {
			gEmbed[tok*d+k] += dRow[k]
		}
	}

	for i := range gradSegment {
		gradSegment[i] += s.gradFull[segStart+i]
	}
	return nil
}

func layerNormBackward(x, gamma, dOut, dX, dGamma, dBeta []float32, n, d int) {
	const eps = 1e-5
	for i := 0; i < n; i++ {
		row := x[i*d : (i+1)*d]
		dRow := dOut[i*d : (i+1)*d]
		dxRow := dX[i*d : (i+1)*d]

		var mean float64
		for _, val := range row {
			mean += float64(val)
		}
		mean /= float64(d)
		var varSum float64
		for _, val := range row {
			diff := float64(val) - mean
			varSum += diff * diff
		}
		variance := varSum / float64(d)
		invStd := 1.0 / math.Sqrt(variance+eps)

		norm := make([]float64, d)
		for j := 0; j < d; j++ {
			norm[j] = (float64(row[j]) - mean) * invStd
			dGamma[j] += float32(norm[j]) * dRow[j]
			dBeta[j] += dRow[j]
		}

		var dNormSum, dNormDotNorm float64
		dNorm := make([]float64, d)
		for j := 0; j < d; j++ {
			dNorm[j] = float64(dRow[j]) * float64(gamma[j])
			dNormSum += dNorm[j]
			dNormDotNorm += dNorm[j] * norm[j]
		}
		fd := float64(d)
		for j := 0; j < d; j++ {
			dxRow[j] = float32(invStd * (dNorm[j] - dNormSum/fd - norm[j]*dNormDotNorm/fd))
		}
	}
}

// linearBackward covers y = x@W + b, x: n x din, W: din x dout,
// dOut: n x dout -> dX: n x din, accumulating dW: din x dout, dB: dout.
func linearBackward(x, w []float32, dOut, dX, dW, dB []float32, n, din, dout int) {
	for i := 0; i < n; i++ {
		row := x[i*din : (i+1)*din]
		dRow := dOut[i*dout : (i+1)*dout]
		dxRow := dX[i*din : (i+1)*din]
		for k := 0; k < din; k++ {
			var acc float64
			for j := 0; j < dout; j++ {
				acc += float64(dRow[j]) * float64(w[k*dout+j])
				dW[k*dout+j] += row[k] * dRow[j]
			}
			dxRow[k] = float32(acc)
		}
		for j := 0; j < dout; j++ {
			dB[j] += dRow[j]
		}
	}
}

// feedForwardBackward backprops through hid = gelu(x@W1+b1), out = hid@W2+b2.
// w1, w2 are the live (pre-update) weights, read-only; gW1/gB1/gW2/gB2
// are gradient accumulators for the four feed-forward parameters.
func feedForwardBackward(x, w1, w2, hidden, preAct []float32, dOut, dX, gW1, gB1, gW2, gB2 []float32, n, d, h int) {
	dPreGelu := make([]float32, h)
	for i := 0; i < n; i++ {
		row := x[i*d : (i+1)*d]
		hid := hidden[i*h : (i+1)*h]
		pre := preAct[i*h : (i+1)*h]
		dOutRow := dOut[i*d : (i+1)*d]
		dxRow := dX[i*d : (i+1)*d]

		for j := 0; j < d; j++ {
			gB2[j] += dOutRow[j]
		}
		for k := 0; k < h; k++ {
			for j := 0; j < d; j++ {
				gW2[k*d+j] += hid[k] * dOutRow[j]
			}
		}

		for k := 0; k < h; k++ {
			var acc float64
			for j := 0; j < d; j++ {
				acc += float64(dOutRow[j]) * float64(w2[k*d+j])
			}
			dPreGelu[k] = float32(acc) * geluDeriv(pre[k])
		}

		for j := 0; j < h; j++ {
			gB1[j] += dPreGelu[j]
		}
		for k := 0; k < d; k++ {
			for j := 0; j < h; j++ {
				gW1[k*h+j] += row[k] * dPreGelu[j]
			}
		}

		for k := 0; k < d; k++ {
			var acc float64
			for j := 0; j < h; j++ {
				acc += float64(dPreGelu[j]) * float64(w1[k*h+j])
			}
			dxRow[k] = float32(acc)
		}
	}
}
