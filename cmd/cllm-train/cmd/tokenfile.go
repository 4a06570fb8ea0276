package cmd

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/sphere-lm/cllm/go/cllmerr"
)

// tokenFileStream is a batch.TokenStream backed by a flat file of
// little-endian uint32 token ids, loaded once into memory. Tokenization
// and on-disk data formats are explicitly outside the core module's
// scope (go/batch's TokenStream doc comment); this is the CLI's own
// minimal loader for that external format.
type tokenFileStream []uint32

func (s tokenFileStream) Len() int        { return len(s) }
func (s tokenFileStream) At(i int) uint32 { return s[i] }

// loadTokenFile reads path as a sequence of little-endian uint32 ids.
func loadTokenFile(path string) (tokenFileStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cllmerr.Wrap(cllmerr.MalformedInput, "open token file", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var ids tokenFileStream
	for {
		var id uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			if err == io.EOF {
				break
			}
			return nil, cllmerr.Wrap(cllmerr.MalformedInput, "read token file", err)
		}
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return nil, cllmerr.New(cllmerr.MalformedInput, "token file must contain at least 2 ids")
	}
	return ids, nil
}
