package serialmux

import (
	"bytes"
	"io"
	"sync"
)

// PipePort is an in-memory SerialPorter. Lines written to the feed side come
// out of Read; commands written to the port are kept for inspection.
type PipePort struct {
	r *io.PipeReader

	mu       sync.Mutex
	commands bytes.Buffer
}

// NewPipeSerialMux returns a mux backed by a PipePort and the writer that
// feeds it. Closing the writer makes Monitor return.
func NewPipeSerialMux() (*SerialMux[*PipePort], io.WriteCloser) {
	r, w := io.Pipe()
	return NewSerialMux(&PipePort{r: r}), w
}

func (p *PipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *PipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands.Write(b)
}

// Close unblocks any pending Read.
func (p *PipePort) Close() error { return p.r.Close() }

// Commands returns everything written to the port.
func (p *PipePort) Commands() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands.String()
}
