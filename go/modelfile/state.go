package modelfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/sphere-lm/cllm/go/cllmerr"
	"github.com/sphere-lm/cllm/go/optimizer"
)

// StateFile is the fixed binary layout of a ".state" checkpoint: the
// trainer's epoch/step position, its loss bookkeeping, and the
// optimizer's first and second moments, zero-padded to p entries each.
// There is no magic or version here — the adjacent model file's magic
// is the pair's integrity anchor, so a ".state" file is only ever
// opened alongside the model file it was written next to.
//
// AMSGrad's running max-of-v buffer has no slot in this layout; a
// resumed AMSGrad run restarts that buffer from v rather than its true
// historical max.
type StateFile struct {
	CurrentEpoch int32
	CurrentStep  int32
	CurrentLoss  float32
	BestLoss     float32
	Optimizer    optimizer.State
}

// WriteStateFile writes an optimizer checkpoint to path (conventionally
// the model file's path with a ".state" suffix): current_epoch,
// current_step, current_loss, best_loss, then the P moment-one floats
// followed by the P moment-two floats, each slice zero-padded to p.
func WriteStateFile(path string, p int, sf StateFile) error {
	f, err := os.Create(path)
	if err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "create state file", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	fields := []any{sf.CurrentEpoch, sf.CurrentStep, sf.CurrentLoss, sf.BestLoss}
	for _, field := range fields {
		if err := binary.Write(bw, binary.LittleEndian, field); err != nil {
			return cllmerr.Wrap(cllmerr.MalformedInput, "write state field", err)
		}
	}
	if err := writeMoments(bw, sf.Optimizer.M, p); err != nil {
		return err
	}
	if err := writeMoments(bw, sf.Optimizer.V, p); err != nil {
		return err
	}
	return bw.Flush()
}

func writeMoments(bw *bufio.Writer, moment []float64, p int) error {
	for i := 0; i < p; i++ {
		var v float32
		if i < len(moment) {
			v = float32(moment[i])
		}
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return cllmerr.Wrap(cllmerr.MalformedInput, "write optimizer moment", err)
		}
	}
	return nil
}

// ReadStateFile reads an optimizer checkpoint back. p must be the same
// parameter count the file was written with; optimizer.State.VMax is
// left nil (see StateFile's doc comment).
func ReadStateFile(path string, p int) (StateFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return StateFile{}, cllmerr.Wrap(cllmerr.MalformedInput, "open state file", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var sf StateFile
	int32fields := []*int32{&sf.CurrentEpoch, &sf.CurrentStep}
	for _, field := range int32fields {
		if err := binary.Read(br, binary.LittleEndian, field); err != nil {
			return StateFile{}, cllmerr.Wrap(cllmerr.MalformedInput, "read state field", err)
		}
	}
	f32fields := []*float32{&sf.CurrentLoss, &sf.BestLoss}
	for _, field := range f32fields {
		if err := binary.Read(br, binary.LittleEndian, field); err != nil {
			return StateFile{}, cllmerr.Wrap(cllmerr.MalformedInput, "read state field", err)
		}
	}

	m, err := readMoments(br, p)
	if err != nil {
		return StateFile{}, err
	}
	v, err := readMoments(br, p)
	if err != nil {
		return StateFile{}, err
	}
	sf.Optimizer = optimizer.State{Step: int(sf.CurrentStep), M: m, V: v}
	return sf, nil
}

func readMoments(br *bufio.Reader, p int) ([]float64, error) {
	moment := make([]float64, p)
	for i := 0; i < p; i++ {
		var v float32
		if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, cllmerr.Wrap(cllmerr.MalformedInput, "read optimizer moment", err)
		}
		moment[i] = float64(v)
	}
	return moment, nil
}
