//go:build !linux

package kclock

type Probe struct{}

func NewProbe() (*Probe, error) {
	return nil, ErrUnsupported
}

func (p *Probe) Read() (Reading, error) {
	return Reading{}, ErrUnsupported
}

func (p *Probe) Best(n int) (Reading, error) {
	return Reading{}, ErrUnsupported
}

func (p *Probe) Close() error {
	return nil
}
