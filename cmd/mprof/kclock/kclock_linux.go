//go:build linux

package kclock

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/rlimit"

	"go.sazak.io/mprof/monotime"
)

// Probe owns a socket filter program that stores bpf_ktime_get_ns() into
// slot 0 of a one-entry array map each time it runs.
type Probe struct {
	prog   *ebpf.Program
	result *ebpf.Map
}

// NewProbe loads the probe program. It needs CAP_BPF (or root).
func NewProbe() (*Probe, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock: %w", err)
	}

	result, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "mprof_ktime",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create result map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "mprof_ktime",
		Type:         ebpf.SocketFilter,
		License:      "GPL",
		Instructions: probeInstructions(result.FD()),
	})
	if err != nil {
		result.Close()
		return nil, fmt.Errorf("load probe program: %w", err)
	}

	return &Probe{prog: prog, result: result}, nil
}

func probeInstructions(mapFD int) asm.Instructions {
	return asm.Instructions{
		// r6 = bpf_ktime_get_ns()
		asm.FnKtimeGetNs.Call(),
		asm.Mov.Reg(asm.R6, asm.R0),

		// r0 = bpf_map_lookup_elem(map, &(u32)0)
		asm.StoreImm(asm.RFP, -4, 0, asm.Word),
		asm.LoadMapPtr(asm.R1, mapFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),

		// *r0 = r6
		asm.StoreMem(asm.R0, 0, asm.R6, asm.DWord),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}

// Read runs the probe once, bracketed by two monotime.Now calls.
func (p *Probe) Read() (Reading, error) {
	var r Reading

	r.Before = monotime.Now()
	// Socket filters need at least an Ethernet header worth of input.
	if _, err := p.prog.Run(&ebpf.RunOptions{Data: make([]byte, 14)}); err != nil {
		return Reading{}, fmt.Errorf("run probe: %w", err)
	}
	r.After = monotime.Now()

	if err := p.result.Lookup(uint32(0), &r.Kernel); err != nil {
		return Reading{}, fmt.Errorf("read probe result: %w", err)
	}

	return r, nil
}

// Best takes n readings and returns the one with the tightest bracket.
func (p *Probe) Best(n int) (Reading, error) {
	var best Reading
	for i := 0; i < n; i++ {
		r, err := p.Read()
		if err != nil {
			return Reading{}, err
		}
		if i == 0 || r.Uncertainty() < best.Uncertainty() {
			best = r
		}
	}
	return best, nil
}

func (p *Probe) Close() error {
	progErr := p.prog.Close()
	mapErr := p.result.Close()
	if progErr != nil {
		return progErr
	}
	return mapErr
}
