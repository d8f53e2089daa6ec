package fdt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuilderHeader(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.AddPropertyString("compatible", "test")
	b.EndNode()
	blob := b.Build()

	if len(blob)%4 != 0 {
		t.Fatalf("blob size %d not 4-byte aligned", len(blob))
	}
	if got := binary.BigEndian.Uint32(blob[0:]); got != fdtMagic {
		t.Fatalf("magic 0x%08x", got)
	}
	if got := binary.BigEndian.Uint32(blob[4:]); got != uint32(len(blob)) {
		t.Fatalf("totalsize %d, blob is %d bytes", got, len(blob))
	}
	if got := binary.BigEndian.Uint32(blob[20:]); got != fdtVersion {
		t.Fatalf("version %d", got)
	}

	structOff := binary.BigEndian.Uint32(blob[8:])
	stringsOff := binary.BigEndian.Uint32(blob[12:])
	stringsSize := binary.BigEndian.Uint32(blob[32:])
	structSize := binary.BigEndian.Uint32(blob[36:])
	if structOff+structSize != stringsOff || stringsOff+stringsSize != uint32(len(blob)) {
		t.Fatal("block offsets do not tile the blob")
	}

	// The structure block ends with the END token.
	end := binary.BigEndian.Uint32(blob[structOff+structSize-4:])
	if end != fdtEnd {
		t.Fatalf("structure block ends with token 0x%x", end)
	}
}

func TestStringTableDeduplicates(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.AddPropertyU32("reg", 1)
	b.AddPropertyU32("reg", 2)
	b.EndNode()
	blob := b.Build()

	stringsOff := binary.BigEndian.Uint32(blob[12:])
	stringsSize := binary.BigEndian.Uint32(blob[32:])
	if got := blob[stringsOff : stringsOff+stringsSize]; !bytes.Equal(got, []byte("reg\x00")) {
		t.Fatalf("string table %q, want one entry", got)
	}
}

func TestStringTablePadding(t *testing.T) {
	// "compatible\0" is 11 bytes; the table must be padded out so the blob
	// size stays 4-byte aligned.
	b := NewBuilder()
	b.BeginNode("")
	b.AddPropertyString("compatible", "test")
	b.EndNode()
	blob := b.Build()

	if len(blob)%4 != 0 {
		t.Fatalf("blob size %d not 4-byte aligned", len(blob))
	}
	stringsOff := binary.BigEndian.Uint32(blob[12:])
	stringsSize := binary.BigEndian.Uint32(blob[32:])
	if stringsSize%4 != 0 {
		t.Fatalf("string table size %d not padded", stringsSize)
	}
	table := blob[stringsOff : stringsOff+stringsSize]
	if !bytes.HasPrefix(table, []byte("compatible\x00")) {
		t.Fatalf("string table %q", table)
	}
	for _, pad := range table[len("compatible\x00"):] {
		if pad != 0 {
			t.Fatalf("padding bytes not zero: %q", table)
		}
	}
}

func TestMachineTreeContents(t *testing.T) {
	blob := BuildMachineTree(MachineInfo{
		MemBase:    0x8000_0000,
		MemSize:    64 << 20,
		Harts:      2,
		RV64:       true,
		Timebase:   10_000_000,
		SysconAddr: 0x100000,
		BootArgs:   "console=ttyS0",
	})

	for _, want := range []string{
		"memory@80000000", "cpu@0", "cpu@1", "rv64imafdc",
		"riscv,sv39", "test@100000", "console=ttyS0",
	} {
		if !bytes.Contains(blob, []byte(want)) {
			t.Errorf("generated tree lacks %q", want)
		}
	}
	if bytes.Contains(blob, []byte("cpu@2")) {
		t.Error("generated tree has an extra hart")
	}
}
