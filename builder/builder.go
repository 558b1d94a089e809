// Package builder is an authoring surface for synthesizing a rewrite
// target from scratch: basic blocks and import modules are declared
// directly, skipping the image reader and disassembler entirely. It
// mirrors the symbol/import/basic-block authoring API shown in
// original_source/chum/source/symbol.h and main.cpp, promoted here to a
// full package since it gives both tests and hosts a way to hand-assemble
// a patch without needing a real PE fixture on disk.
package builder

import (
	"bufio"
	"fmt"
	"io"

	"peforge.dev/rewire/block"
	"peforge.dev/rewire/image"
)

// Binary accumulates authored code blocks and import declarations. Call
// Finalize to package the result into the same (*image.Image, *block.List)
// pair the disassembled path produces, ready for layout.NewEmitter.
type Binary struct {
	buf          []byte
	code         []block.CodeBlock
	blockNames   []string
	imports      []*ImportModule
	symbols      []block.Symbol
	nextSymbolID uint32
}

// invalidSymbolID mirrors chum::invalid_symbol_id{0}: ID 0 is reserved and
// never assigned to a real symbol, so the first routine or basic block
// authored gets ID 1 (asserted in original_source/chum/source/main.cpp as
// close_handle->sym_id == 1).
const invalidSymbolID = 0

// NewBinary returns an empty authoring surface.
func NewBinary() *Binary {
	return &Binary{nextSymbolID: invalidSymbolID + 1}
}

// Symbols returns the symbols authored so far, in assignment order.
func (b *Binary) Symbols() []block.Symbol { return b.symbols }

// ImportModule is a declared import source, mirroring
// chum::binary::create_import_module.
type ImportModule struct {
	bin      *Binary
	Name     string
	Routines []*ImportRoutine
}

// ImportRoutine is one named routine imported from a module. SymID is the
// ID of the block.Symbol recorded for it in Binary.Symbols. Finalize does
// not carry import modules into the image, so nothing in this package
// resolves the routine's address.
type ImportRoutine struct {
	Name  string
	SymID uint32
}

// CreateImportModule registers a module to import routines from.
func (b *Binary) CreateImportModule(name string) *ImportModule {
	m := &ImportModule{bin: b, Name: name}
	b.imports = append(b.imports, m)
	return m
}

// CreateRoutine registers a named routine import within m, returning a
// symbol ID (mirrors chum::import_module::create_routine, whose
// close_handle->sym_id is asserted against in main.cpp's authoring
// example). A block.Symbol is recorded alongside it with CodeBlockIndex
// left at -1, since the routine has no local code block.
func (m *ImportModule) CreateRoutine(name string) *ImportRoutine {
	id := m.bin.nextSymbolID
	m.bin.nextSymbolID++
	r := &ImportRoutine{Name: name, SymID: id}
	m.Routines = append(m.Routines, r)
	m.bin.symbols = append(m.bin.symbols, block.Symbol{
		ID:             id,
		Kind:           block.SymbolCode,
		Name:           name,
		CodeBlockIndex: -1,
	})
	return r
}

// CreateBasicBlock appends a named, non-relative code block built from
// literal instruction bytes, the authoring-time equivalent of
// chum::binary::create_basic_block plus repeated
// basic_block::instructions.push_back calls. It returns a symbol ID for
// the block's start, and records a block.Symbol{Kind: block.SymbolCode}
// pointing at the new block.
func (b *Binary) CreateBasicBlock(name string, instructions ...[]byte) uint32 {
	id := b.nextSymbolID
	b.nextSymbolID++

	rva := uint32(len(b.buf))
	var size uint32
	for _, ins := range instructions {
		b.buf = append(b.buf, ins...)
		size += uint32(len(ins))
	}
	blockIndex := len(b.code)
	b.code = append(b.code, block.NewNonRelativeBlock(rva, rva, size))
	b.blockNames = append(b.blockNames, name)
	b.symbols = append(b.symbols, block.Symbol{
		ID:             id,
		Kind:           block.SymbolCode,
		Name:           name,
		CodeBlockIndex: blockIndex,
	})
	return id
}

// Finalize packages the authored content into an in-memory image and
// block list, the same shape the disassembled path (image.Open +
// disasm.Run) produces, so it can be handed directly to layout.NewEmitter.
// Only the authored code bytes and code blocks are carried over: the image
// has no sections, exceptions or imports, and declared import modules are
// not included.
func (b *Binary) Finalize() (*image.Image, *block.List) {
	img := &image.Image{Data: append([]byte(nil), b.buf...)}
	list := &block.List{Code: append([]block.CodeBlock(nil), b.code...)}
	return img, list
}

// Dump writes a human-readable summary of the authored binary to w,
// mirroring chum::binary::print() and this rewriter's own
// block.List.DumpText idiom.
func (b *Binary) Dump(w io.Writer) {
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	fmt.Fprintf(bw, "binary: %d block(s), %d import module(s)\n", len(b.code), len(b.imports))
	for i, cb := range b.code {
		name := b.blockNames[i]
		if name == "" {
			name = fmt.Sprintf("block_%d", i)
		}
		fmt.Fprintf(bw, "  %s: rva=0x%x size=%d\n", name, cb.VirtualOffset, cb.OriginalSize)
	}
	for _, m := range b.imports {
		fmt.Fprintf(bw, "  import %q\n", m.Name)
		for _, r := range m.Routines {
			fmt.Fprintf(bw, "    routine %q (sym %d)\n", r.Name, r.SymID)
		}
	}
}
