// Package rewire binds the image reader, disassembler, layout emitter and
// import resolver into the single entry point described in spec §4.G: given
// a file path and a set of caller-supplied memory regions, produce a
// rewritten, immediately executable image.
package rewire

import (
	"encoding/binary"

	"peforge.dev/rewire/block"
	"peforge.dev/rewire/disasm"
	"peforge.dev/rewire/image"
	"peforge.dev/rewire/imports"
	"peforge.dev/rewire/layout"
	"peforge.dev/rewire/rwerror"
)

// MemoryWriter is the narrow interface a caller-supplied memory region
// must implement (spec §6). Re-exported from layout so callers only need
// to import this package.
type MemoryWriter = layout.MemoryWriter

// ByteSliceRegion is the in-process default MemoryWriter, backing a region
// with an ordinary Go byte slice. Used by tests; a real host will
// typically back regions with syscall.Mmap or VirtualAlloc instead.
type ByteSliceRegion struct {
	Buf []byte
}

func (r *ByteSliceRegion) WriteAt(off uint32, p []byte) error {
	if uint64(off)+uint64(len(p)) > uint64(len(r.Buf)) {
		return rwerror.New(rwerror.CapacityExhausted, rwerror.PhaseEmit, 0, "write exceeds byte-slice region bounds")
	}
	copy(r.Buf[off:], p)
	return nil
}

// HostCallbacks are the two platform-loader operations the orchestrator
// needs but never implements itself (spec §6, "host callbacks required").
type HostCallbacks struct {
	LoadModule    func(name string) (uintptr, error)
	ResolveSymbol func(module uintptr, name string) (uintptr, error)
}

// Session is one rewrite in progress: a parsed image, its disassembled
// block list, the regions registered so far, and whether Write has run.
type Session struct {
	img  *image.Image
	list *block.List
	hc   HostCallbacks

	codeRegions []layout.Region
	dataRegions []layout.Region

	written bool
}

// Open reads and parses the image at path and runs the disassembler,
// leaving the session ready to accept regions.
func Open(path string, hc HostCallbacks) (*Session, error) {
	img, err := image.Open(path)
	if err != nil {
		return nil, err
	}
	list, _, err := disasm.Run(img)
	if err != nil {
		return nil, err
	}
	return &Session{img: img, list: list, hc: hc}, nil
}

// AddCodeRegion registers an executable memory range, to be filled in the
// order regions are added. Multiple are allowed; every region except the
// last reserves its final 5 bytes for an inter-region fall-through jump.
func (s *Session) AddCodeRegion(base uintptr, size uint32, mem MemoryWriter) error {
	if s.written {
		return rwerror.New(rwerror.CapacityExhausted, rwerror.PhaseLayout, 0, "cannot add a region after Write has run")
	}
	s.codeRegions = append(s.codeRegions, layout.Region{Base: base, Size: size, Mem: mem})
	return nil
}

// AddDataRegion registers a readable/writable memory range for data
// blocks and the patched IAT.
func (s *Session) AddDataRegion(base uintptr, size uint32, mem MemoryWriter) error {
	if s.written {
		return rwerror.New(rwerror.CapacityExhausted, rwerror.PhaseLayout, 0, "cannot add a region after Write has run")
	}
	s.dataRegions = append(s.dataRegions, layout.Region{Base: base, Size: size, Mem: mem})
	return nil
}

// Write runs emission followed by import resolution. Once a Write has
// succeeded, a further call fails cleanly rather than re-emitting into
// already-consumed regions. A Write that returns an error does not mark
// the session written, so it may be called again.
func (s *Session) Write() error {
	if s.written {
		return rwerror.New(rwerror.CapacityExhausted, rwerror.PhaseEmit, 0, "Write has already run for this session")
	}

	em := layout.NewEmitter(s.img, s.list, s.codeRegions, s.dataRegions)
	if err := em.Run(); err != nil {
		return err
	}

	if len(s.img.Imports) > 0 {
		patcher := &regionPatcher{regions: append(append([]layout.Region{}, s.codeRegions...), s.dataRegions...)}
		if err := imports.Resolve(s.img, s.list, patcher, s.hc.LoadModule, s.hc.ResolveSymbol); err != nil {
			return err
		}
	}

	s.written = true
	return nil
}

// EntryPoint returns the rewritten entry point. Valid only after a
// successful Write.
func (s *Session) EntryPoint() (uintptr, error) {
	if !s.written {
		return 0, rwerror.New(rwerror.UnresolvableTarget, rwerror.PhaseEmit, s.img.EntryPoint, "EntryPoint is valid only after a successful Write")
	}
	addr, ok := s.list.FinalAddress(s.img.EntryPoint)
	if !ok {
		return 0, rwerror.Newf(rwerror.UnresolvableTarget, rwerror.PhaseEmit, s.img.EntryPoint, "entry point rva was never emitted")
	}
	return addr, nil
}

// regionPatcher implements imports.Patcher by finding, among the
// session's registered regions, the one owning an absolute address.
type regionPatcher struct {
	regions []layout.Region
}

func (p *regionPatcher) PatchPointer(addr uintptr, value uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	for i := range p.regions {
		r := &p.regions[i]
		if addr < r.Base || addr >= r.Base+uintptr(r.Size) {
			continue
		}
		off := uint32(addr - r.Base)
		if uint64(off)+8 > uint64(r.Size) {
			return rwerror.NewRegion(rwerror.DisplacementOverflow, rwerror.PhaseImports, i, "import pointer write overruns region")
		}
		return r.Mem.WriteAt(off, b[:])
	}
	return rwerror.New(rwerror.UnresolvableTarget, rwerror.PhaseImports, 0, "import patch address is not within any registered region")
}
