package transformerops

import (
	"math"

	"github.com/sphere-lm/cllm/go/batch"
	"github.com/sphere-lm/cllm/go/cllmerr"
)

// Ops is the external transformer arithmetic contract:
// "forward(batch, scratch) -> partial_loss: f32" and
// "backward(batch, scratch, grad_segment)". The core calls each exactly
// once per batch per worker and never inspects the parameters or
// activations these touch.
type Ops interface {
	// Forward runs the batch through the model and returns the mean
	// cross-entropy loss over valid (unmasked) positions.
	Forward(b *batch.Batch, params []float32, s *Scratch) (float32, error)

	// Backward computes the gradient of the loss Forward just produced
	// and accumulates the slice of it that falls within this worker's
	// parameter segment [segStart, segStart+len(gradSegment)) into
	// gradSegment. segStart is the segment's offset into the full
	// parameter vector (go/gradient.Segment.Start).
	Backward(b *batch.Batch, params []float32, s *Scratch, gradSegment []float32, segStart int) error
}

// Reference is the one concrete Ops implementation this repo ships,
// adapted from a tensor-based autograd library's MultiHeadAttention,
// TransformerBlock, FeedForward and LayerNorm. It exists so end-to-end
// runs are actually runnable; a production deployment is expected to
// supply its own Ops bound to a real model.
type Reference struct {
	cfg Config
	lay layout
}

// NewReference builds a Reference for the given architecture.
func NewReference(cfg Config) *Reference {
	return &Reference{cfg: cfg, lay: newLayout(cfg)}
}

func (r *Reference) Forward(bt *batch.Batch, params []float32, s *Scratch) (float32, error) {
	if bt.BatchSize > r.cfg.BatchSize || bt.SeqLen != r.cfg.SeqLen {
		return 0, cllmerr.New(cllmerr.MalformedInput, "batch shape does not match configured architecture")
	}
	d := r.cfg.DModel

	embed := r.lay.embedding(params)
	for i := 0; i < bt.BatchSize*bt.SeqLen; i++ {
		tok := bt.InputIDs[i]
		copy(s.embedded[i*d:(i+1)*d], embed[int(tok)*d:int(tok)*d+d])
		addPositionalEncoding(s.embedded[i*d:(i+1)*d], i%bt.SeqLen, d)
	}

	cur := s.embedded
	for l := 0; l < r.cfg.NumLayers; l++ {
		lv := r.lay.layerViewAt(params, l)
		copy(s.layerInput[l], cur)

		layerNormForward(s.layerInput[l], lv.LN1Gamma, lv.LN1Beta, s.ln1Out[l], bt.BatchSize*bt.SeqLen, d)

		r.attentionForward(bt, lv, s, l)

		for i := range s.attnOut[l] {
			s.attnOut[l][i] += s.layerInput[l][i] // residual
		}

		layerNormForward(s.attnOut[l], lv.LN2Gamma, lv.LN2Beta, s.ln2Out[l], bt.BatchSize*bt.SeqLen, d)

		feedForward(s.ln2Out[l], lv.W1, lv.B1, lv.W2, lv.B2, s.ffHidden[l], s.ffPreAct[l], s.ffOut[l], bt.BatchSize*bt.SeqLen, d, r.cfg.FFHidden)

		for i := range s.ffOut[l] {
			s.layerOutput[l][i] = s.ffOut[l][i] + s.attnOut[l][i] // residual
		}

		cur = s.layerOutput[l]
	}

	gammaF, betaF := r.lay.finalLN(params)
	layerNormForward(cur, gammaF, betaF, s.finalHidden, bt.BatchSize*bt.SeqLen, d)

	outW, outB := r.lay.outProj(params)
	v := r.cfg.VocabSize
	for i := 0; i < bt.BatchSize*bt.SeqLen; i++ {
		row := s.finalHidden[i*d : (i+1)*d]
		logitRow := s.logits[i*v : (i+1)*v]
		for j := 0; j < v; j++ {
			acc := float64(outB[j])
			for k := 0; k < d; k++ {
				acc += float64(row[k]) * float64(outW[k*v+j])
			}
			logitRow[j] = float32(acc)
		}
	}

	var lossSum float64
	var validCount int
	for i := 0; i < bt.BatchSize*bt.SeqLen; i++ {
		valid := bt.Mask[i] != 0
		s.validPosMask[i] = valid
		if !valid {
			continue
		}
		logitRow := s.logits[i*v : (i+1)*v]
		target := bt.TargetIDs[i]
		lossSum += crossEntropy(logitRow, target)
		validCount++
	}
	if validCount == 0 {
		return 0, nil
	}
	return float32(lossSum / float64(validCount)), nil
}

// crossEntropy returns -log(softmax(logits)[target]), computed with the
// standard max-subtraction for numerical stability.
func crossEntropy(logits []float32, target uint32) float64 {
	maxV := float64(logits[0])
	for _, lv := range logits {
		if float64(lv) > maxV {
			maxV = float64(lv)
		}
	}
	var sumExp float64
	for _, lv := range logits {
		sumExp += math.Exp(float64(lv) - maxV)
	}
	targetLogit := float64(logits[target])
	return (maxV + math.Log(sumExp)) - targetLogit
}

func addPositionalEncoding(row []float32, pos, d int) {
	for i := 0; i < d; i += 2 {
		div := math.Pow(10000, float64(i)/float64(d))
		row[i] += float32(math.Sin(float64(pos) / div))
		if i+1 < d {
			row[i+1] += float32(math.Cos(float64(pos) / div))
		}
	}
}

func layerNormForward(x, gamma, beta, out []float32, n, d int) {
	const eps = 1e-5
	for i := 0; i < n; i++ {
		row := x[i*d : (i+1)*d]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(d)
		var varSum float64
		for _, v := range row {
			diff := float64(v) - mean
			varSum += diff * diff
		}
		variance := varSum / float64(d)
		invStd := 1.0 / math.Sqrt(variance+eps)
		o := out[i*d : (i+1)*d]
		for j := 0; j < d; j++ {
			norm := (float64(row[j]) - mean) * invStd
			o[j] = float32(norm*float64(gamma[j]) + float64(beta[j]))
		}
	}
}

func feedForward(x, w1, b1, w2, b2, hidden, preAct, out []float32, n, d, h int) {
	for i := 0; i < n; i++ {
		row := x[i*d : (i+1)*d]
		hid := hidden[i*h : (i+1)*h]
		pre := preAct[i*h : (i+1)*h]
		for j := 0; j < h; j++ {
			acc := float64(b1[j])
			for k := 0; k < d; k++ {
				acc += float64(row[k]) * float64(w1[k*h+j])
			}
			pre[j] = float32(acc)
			hid[j] = gelu(pre[j])
		}
		o := out[i*d : (i+1)*d]
		for j := 0; j < d; j++ {
			acc := float64(b2[j])
			for k := 0; k < h; k++ {
				acc += float64(hid[k]) * float64(w2[k*d+j])
			}
			o[j] = float32(acc)
		}
	}
}

func gelu(x float32) float32 {
	xf := float64(x)
	return float32(0.5 * xf * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(xf+0.044715*xf*xf*xf))))
}

// geluDeriv is d/dx gelu(x), evaluated at the pre-activation value x.
func geluDeriv(x float32) float32 {
	xf := float64(x)
	c := math.Sqrt(2 / math.Pi)
	u := c * (xf + 0.044715*xf*xf*xf)
	tanhU := math.Tanh(u)
	dUdx := c * (1 + 3*0.044715*xf*xf)
	return float32(0.5*(1+tanhU) + 0.5*xf*(1-tanhU*tanhU)*dUdx)
}

// attentionForward computes multi-head self-attention independently per
// batch row (sequences never attend across a batch boundary), writing
// into s.attnQ/K/V[l], s.attnWeights[l] and s.attnOut[l].
func (r *Reference) attentionForward(bt *batch.Batch, lv layerView, s *Scratch, l int) {
	d, numHeads := r.cfg.DModel, r.cfg.NumHeads
	headDim := d / numHeads
	seq := bt.SeqLen

	q, k, v := s.attnQ[l], s.attnK[l], s.attnV[l]
	linearProject(s.ln1Out[l], lv.Wq, lv.Bq, q, bt.BatchSize*seq, d)
	linearProject(s.ln1Out[l], lv.Wk, lv.Bk, k, bt.BatchSize*seq, d)
	linearProject(s.ln1Out[l], lv.Wv, lv.Bv, v, bt.BatchSize*seq, d)

	scale := 1.0 / math.Sqrt(float64(headDim))
	weights := s.attnWeights[l]

	// Scores and softmax weights per (batch row, head, query position),
	// then the weighted sum over V, written directly into attnOut's
	// per-head slice (heads land contiguously, i.e. concatenated).
	for b := 0; b < bt.BatchSize; b++ {
		base := b * seq
		wBase := b * seq * seq
		for h := 0; h < numHeads; h++ {
			off := h * headDim
			for i := 0; i < seq; i++ {
				qi := q[(base+i)*d+off : (base+i)*d+off+headDim]
				scores := weights[wBase+i*seq : wBase+i*seq+seq]
				for j := 0; j < seq; j++ {
					kj := k[(base+j)*d+off : (base+j)*d+off+headDim]
					var dot float64
					for x := 0; x < headDim; x++ {
						dot += float64(qi[x]) * float64(kj[x])
					}
					scores[j] = float32(dot * scale)
				}
				softmaxInPlace(scores)

				out := s.attnConcat[l][(base+i)*d+off : (base+i)*d+off+headDim]
				for x := 0; x < headDim; x++ {
					var acc float64
					for j := 0; j < seq; j++ {
						acc += float64(scores[j]) * float64(v[(base+j)*d+off+x])
					}
					out[x] = float32(acc)
				}
			}
		}
	}

	linearProject(s.attnConcat[l], lv.Wo, lv.Bo, s.attnOut[l], bt.BatchSize*seq, d)
}

func linearProject(x, w, b, out []float32, n, d int) {
	for i := 0; i < n; i++ {
		row := x[i*d : (i+1)*d]
		o := out[i*d : (i+1)*d]
		for j := 0; j < d; j++ {
			acc := float64(b[j])
			for k := 0; k < d; k++ {
				acc += float64(row[k]) * float64(w[k*d+j])
			}
			o[j] = float32(acc)
		}
	}
}

func softmaxInPlace(x []float32) {
	maxV := x[0]
	for _, v := range x {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxV))
		x[i] = float32(e)
		sum += e
	}
	for i := range x {
		x[i] = float32(float64(x[i]) / sum)
	}
}
