package pb

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/golang/protobuf/proto"
)

var derivationBufPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// ReadDerivationFile reads and parses the textproto derivation file at path.
func ReadDerivationFile(path string) (*Derivation, error) {
	var drv Derivation
	b := derivationBufPool.Get().(*bytes.Buffer)
	b.Reset()
	defer derivationBufPool.Put(b)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(b, f); err != nil {
		return nil, err
	}
	if err := proto.UnmarshalText(b.String(), &drv); err != nil {
		return nil, err
	}
	return &drv, nil
}
