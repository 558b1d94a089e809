// Package image loads a PE image from disk and exposes the directories the
// rewriter needs: the section table, the exception directory (.pdata), and
// the import directory. Section parsing and the optional header are
// delegated to github.com/Binject/debug/pe (a read/write fork of the
// standard library's debug/pe); the exception and import directories are
// parsed directly from the file buffer because that library exposes
// DataDirectory entries but no structured RUNTIME_FUNCTION or raw-thunk
// walk (see DESIGN.md).
package image

import (
	"encoding/binary"
	"os"

	bpe "github.com/Binject/debug/pe"

	"peforge.dev/rewire/rwerror"
)

// Directory indices within IMAGE_OPTIONAL_HEADER64.DataDirectory, per the
// PE/COFF specification. Kept local rather than imported from the pe
// package; this rewriter reads only the import and exception directories.
const (
	dirExport    = 0
	dirImport    = 1
	dirException = 3
	dirBaseReloc = 5
)

// Section characteristics bits used by this package. Kept local for the
// same reason as the directory indices above.
const (
	scnCntCode            = 0x00000020
	scnCntInitializedData = 0x00000040
	scnMemDiscardable     = 0x02000000
	scnMemExecute         = 0x20000000
	scnMemRead            = 0x40000000
	scnMemWrite           = 0x80000000
)

// Section is the subset of the section header this package exposes.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	SizeOfRawData   uint32
	PointerToRawData uint32
	Characteristics uint32
}

func (s *Section) executable() bool { return s.Characteristics&scnMemExecute != 0 }
func (s *Section) writable() bool   { return s.Characteristics&scnMemWrite != 0 }

// Readable reports whether the section has IMAGE_SCN_MEM_READ set.
func (s *Section) Readable() bool { return s.Characteristics&scnMemRead != 0 }

// Discardable reports whether the section has IMAGE_SCN_MEM_DISCARDABLE set
// (e.g. .reloc, debug sections) — such sections are still materialized as
// data blocks today; nothing in this rewriter's model depends on discarding
// them, so they are kept simple rather than special-cased.
func (s *Section) Discardable() bool { return s.Characteristics&scnMemDiscardable != 0 }

// RuntimeFunction is one entry of the exception directory (.pdata): the
// begin/end RVAs of a function and the RVA of its unwind info. These are
// used only as disassembly seeds; unwind info itself is not interpreted.
type RuntimeFunction struct {
	BeginAddress    uint32
	EndAddress      uint32
	UnwindInfoAddress uint32
}

// ImportDescriptor mirrors IMAGE_IMPORT_DESCRIPTOR.
type ImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

// ImportModule is a resolved import directory entry: the module name plus
// the parallel original/first thunk arrays.
type ImportModule struct {
	Name               string
	OriginalFirstThunk uint32 // RVA of the name-table thunk array (0 if absent)
	FirstThunk         uint32 // RVA of the IAT thunk array (patched in place)
	ThunkCount         uint32
}

// ThunkEntry is one decoded entry of a thunk array.
type ThunkEntry struct {
	RVA      uint32 // RVA of this thunk slot within the image
	IsOrdinal bool
	Ordinal  uint16
	Hint     uint16
	Name     string
}

// Image is the parsed PE file.
type Image struct {
	Data        []byte // full file contents
	EntryPoint  uint32 // AddressOfEntryPoint RVA
	ImageBase   uint64
	Sections    []Section
	Exceptions  []RuntimeFunction
	Imports     []ImportModule
}

// Open reads and parses path.
func Open(path string) (*Image, error) {
	f, err := bpe.Open(path)
	if err != nil {
		return nil, rwerror.Wrap(rwerror.ParseError, rwerror.PhaseParse, 0, err)
	}
	defer f.Close()

	opt64, ok := f.OptionalHeader.(*bpe.OptionalHeader64)
	if !ok {
		return nil, rwerror.New(rwerror.ParseError, rwerror.PhaseParse, 0, "not a PE32+ (64-bit) image")
	}

	data, err := readFile(path)
	if err != nil {
		return nil, rwerror.Wrap(rwerror.ParseError, rwerror.PhaseParse, 0, err)
	}

	img := &Image{
		Data:       data,
		EntryPoint: opt64.AddressOfEntryPoint,
		ImageBase:  opt64.ImageBase,
	}
	for _, s := range f.Sections {
		img.Sections = append(img.Sections, Section{
			Name:             s.Name,
			VirtualAddress:   s.VirtualAddress,
			VirtualSize:      s.VirtualSize,
			SizeOfRawData:    s.Size,
			PointerToRawData: s.Offset,
			Characteristics:  s.Characteristics,
		})
	}

	if int(dirException) < len(opt64.DataDirectory) {
		dd := opt64.DataDirectory[dirException]
		if dd.Size > 0 {
			exc, err := img.readExceptionDirectory(dd.VirtualAddress, dd.Size)
			if err != nil {
				return nil, err
			}
			img.Exceptions = exc
		}
	}

	if int(dirImport) < len(opt64.DataDirectory) {
		dd := opt64.DataDirectory[dirImport]
		if dd.Size > 0 {
			imp, err := img.readImportDirectory(dd.VirtualAddress)
			if err != nil {
				return nil, err
			}
			img.Imports = imp
		}
	}

	return img, nil
}

// RVAToFileOffset maps rva to a file offset by linear scan over sections,
// matching spec §4.A: rva ∈ [VirtualAddress, VirtualAddress+VirtualSize).
func (img *Image) RVAToFileOffset(rva uint32) (uint32, bool) {
	for i := range img.Sections {
		s := &img.Sections[i]
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			off := s.PointerToRawData + (rva - s.VirtualAddress)
			if off >= s.PointerToRawData+s.SizeOfRawData {
				// Within the virtual range but past the bytes physically
				// present on disk (the zero-filled tail of the section).
				return 0, false
			}
			return off, true
		}
	}
	return 0, false
}

// SectionForRVA returns the section containing rva, or nil.
func (img *Image) SectionForRVA(rva uint32) *Section {
	for i := range img.Sections {
		s := &img.Sections[i]
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return s
		}
	}
	return nil
}

// IsCodeSection reports whether a section should be treated as disassemblable
// code rather than as an opaque data blob. Per Open Question 5 (resolved in
// SPEC_FULL.md §4.A): a section that is both executable and writable is
// treated as data, not code, since this rewriter's code-block model assumes
// the original bytes are immutable at runtime.
func (s *Section) IsCodeSection() bool {
	return s.executable() && !s.writable()
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (img *Image) readExceptionDirectory(rva, size uint32) ([]RuntimeFunction, error) {
	off, ok := img.RVAToFileOffset(rva)
	if !ok {
		return nil, rwerror.Newf(rwerror.ParseError, rwerror.PhaseParse, rva, "exception directory rva unmapped")
	}
	const entrySize = 12
	count := size / entrySize
	if uint64(off)+uint64(size) > uint64(len(img.Data)) {
		return nil, rwerror.Newf(rwerror.ParseError, rwerror.PhaseParse, rva, "exception directory truncated")
	}
	out := make([]RuntimeFunction, 0, count)
	for i := uint32(0); i < count; i++ {
		base := off + i*entrySize
		rf := RuntimeFunction{
			BeginAddress:      binary.LittleEndian.Uint32(img.Data[base:]),
			EndAddress:        binary.LittleEndian.Uint32(img.Data[base+4:]),
			UnwindInfoAddress: binary.LittleEndian.Uint32(img.Data[base+8:]),
		}
		if rf.BeginAddress == 0 && rf.EndAddress == 0 {
			continue
		}
		out = append(out, rf)
	}
	return out, nil
}

func (img *Image) readImportDirectory(rva uint32) ([]ImportModule, error) {
	off, ok := img.RVAToFileOffset(rva)
	if !ok {
		return nil, rwerror.Newf(rwerror.ParseError, rwerror.PhaseParse, rva, "import directory rva unmapped")
	}
	const descSize = 20
	var out []ImportModule
	for {
		if uint64(off)+descSize > uint64(len(img.Data)) {
			return nil, rwerror.Newf(rwerror.ParseError, rwerror.PhaseParse, rva, "import directory truncated")
		}
		d := ImportDescriptor{
			OriginalFirstThunk: binary.LittleEndian.Uint32(img.Data[off:]),
			TimeDateStamp:      binary.LittleEndian.Uint32(img.Data[off+4:]),
			ForwarderChain:     binary.LittleEndian.Uint32(img.Data[off+8:]),
			Name:               binary.LittleEndian.Uint32(img.Data[off+12:]),
			FirstThunk:         binary.LittleEndian.Uint32(img.Data[off+16:]),
		}
		if d.OriginalFirstThunk == 0 && d.Name == 0 && d.FirstThunk == 0 {
			break // null terminator entry
		}
		nameOff, ok := img.RVAToFileOffset(d.Name)
		if !ok {
			return nil, rwerror.Newf(rwerror.ParseError, rwerror.PhaseParse, d.Name, "import module name rva unmapped")
		}
		name := readCString(img.Data, nameOff)
		count, err := img.thunkCount(d)
		if err != nil {
			return nil, err
		}
		out = append(out, ImportModule{
			Name:               name,
			OriginalFirstThunk: d.OriginalFirstThunk,
			FirstThunk:         d.FirstThunk,
			ThunkCount:         count,
		})
		off += descSize
	}
	return out, nil
}

// thunkCount walks whichever thunk array is present (OriginalFirstThunk
// preferred, falling back to FirstThunk for images stripped of the name
// table) until a zero (null-terminator) entry, and returns the count.
func (img *Image) thunkCount(d ImportDescriptor) (uint32, error) {
	thunkRVA := d.OriginalFirstThunk
	if thunkRVA == 0 {
		thunkRVA = d.FirstThunk
	}
	if thunkRVA == 0 {
		return 0, nil
	}
	off, ok := img.RVAToFileOffset(thunkRVA)
	if !ok {
		return 0, rwerror.Newf(rwerror.ParseError, rwerror.PhaseParse, thunkRVA, "thunk array rva unmapped")
	}
	var n uint32
	for {
		if uint64(off)+8 > uint64(len(img.Data)) {
			return 0, rwerror.Newf(rwerror.ParseError, rwerror.PhaseParse, thunkRVA, "thunk array truncated")
		}
		v := binary.LittleEndian.Uint64(img.Data[off:])
		if v == 0 {
			break
		}
		n++
		off += 8
	}
	return n, nil
}

// Thunks decodes the n thunk entries of module starting at thunkRVA
// (OriginalFirstThunk when present, otherwise FirstThunk), resolving named
// imports to their hint/name pair and leaving ordinal imports tagged.
func (img *Image) Thunks(m ImportModule) ([]ThunkEntry, error) {
	thunkRVA := m.OriginalFirstThunk
	if thunkRVA == 0 {
		thunkRVA = m.FirstThunk
	}
	out := make([]ThunkEntry, 0, m.ThunkCount)
	for i := uint32(0); i < m.ThunkCount; i++ {
		rva := thunkRVA + i*8
		off, ok := img.RVAToFileOffset(rva)
		if !ok {
			return nil, rwerror.Newf(rwerror.ParseError, rwerror.PhaseParse, rva, "thunk rva unmapped")
		}
		raw := binary.LittleEndian.Uint64(img.Data[off:])
		te := ThunkEntry{RVA: m.FirstThunk + i*8}
		const ordinalFlag = uint64(1) << 63
		if raw&ordinalFlag != 0 {
			te.IsOrdinal = true
			te.Ordinal = uint16(raw & 0xffff)
		} else {
			nameRVA := uint32(raw)
			nameOff, ok := img.RVAToFileOffset(nameRVA)
			if !ok {
				return nil, rwerror.Newf(rwerror.ParseError, rwerror.PhaseParse, nameRVA, "import-by-name rva unmapped")
			}
			te.Hint = binary.LittleEndian.Uint16(img.Data[nameOff:])
			te.Name = readCString(img.Data, nameOff+2)
		}
		out = append(out, te)
	}
	return out, nil
}

func readCString(data []byte, off uint32) string {
	end := off
	for int(end) < len(data) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}
