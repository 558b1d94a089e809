package block

import (
	"bufio"
	"fmt"
)

const indentLevel = "  "

// DumpText writes the code block, in human-readable text form, to w. The
// layout (aligned field names, one per line) follows the same convention as
// the teacher's object/header dumper.
func (b *CodeBlock) DumpText(w *bufio.Writer, prefix string) {
	fmt.Fprintf(w, "%sRVA:           0x%x\n", prefix, b.VirtualOffset)
	fmt.Fprintf(w, "%sOriginal size: %d\n", prefix, b.OriginalSize)
	fmt.Fprintf(w, "%sClass:         %s\n", prefix, b.Class)
	fmt.Fprintf(w, "%sExpected size: %d\n", prefix, b.ExpectedSize)
	if b.Emitted {
		fmt.Fprintf(w, "%sFinal address: 0x%x\n", prefix, b.FinalVirtualAddress)
		fmt.Fprintf(w, "%sFinal size:    %d\n", prefix, b.FinalSize)
	}
}

// DumpText writes the data block, in human-readable text form, to w.
func (d *DataBlock) DumpText(w *bufio.Writer, prefix string) {
	fmt.Fprintf(w, "%sRVA:          0x%x\n", prefix, d.SourceRVA)
	fmt.Fprintf(w, "%sFile size:    %d\n", prefix, d.FileSize)
	fmt.Fprintf(w, "%sVirtual size: %d\n", prefix, d.VirtualSize)
	if d.Emitted {
		fmt.Fprintf(w, "%sFinal address: 0x%x\n", prefix, d.FinalVirtualAddress)
	}
}

// DumpText writes the full block list, in human-readable text form, to w.
func (l *List) DumpText(w *bufio.Writer) {
	for i := range l.Code {
		fmt.Fprintf(w, "Code block %d:\n", i)
		l.Code[i].DumpText(w, indentLevel)
	}
	for i := range l.Data {
		fmt.Fprintf(w, "Data block %d:\n", i)
		l.Data[i].DumpText(w, indentLevel)
	}
}
