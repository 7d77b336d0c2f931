// Package binfmt implements the on-disk binary layout shared by the
// Metafile Writer (C5, which produces it) and the Experiment Loader (C6,
// which consumes it): binary.lprof, libs/*.lprof.
//
// The layout keeps the <LPROF> magic, the major.minor version word, and
// the field order of format 2.2, but drops the offset/acceleration-table
// indirection in favor of a single sequential pass: metafiles are
// written once and read once per experiment load, so random-access
// sections buy nothing here.
package binfmt

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic and Version identify the file format and are written verbatim at
// the head of every binary.lprof / libs/*.lprof file.
var (
	Magic   = [8]byte{'<', 'L', 'P', 'R', 'O', 'F', '>', 0}
	Version = [4]byte{'2', '.', '2', 0}
)

// Loop level constants (lprof_loop_t.level).
const (
	OutermostLoop uint8 = 0
	InnermostLoop uint8 = 1
	SingleLoop    uint8 = 2
	InbetweenLoop uint8 = 3
)

// Function describes one disassembled or parse-only function.
type Function struct {
	Name           string
	StartAddress   []uint64
	StopAddress    []uint64
	SrcFile        string
	SrcLine        uint32
	OutermostLoops []uint32
}

// Loop describes one disassembled loop. Parse-only libraries never carry
// loops.
type Loop struct {
	ID              uint32
	StartAddress    []uint64
	StopAddress     []uint64
	SrcFile         string
	SrcFunctionName string
	SrcFunctionLine uint32
	SrcStartLine    uint32
	SrcStopLine     uint32
	Level           uint8
	Children        []uint32
}

// BinaryInfo is the parsed content of <exp>/binary.lprof: the
// executable's functions and loops, written once per experiment and
// shared by every node.
type BinaryInfo struct {
	MajorVersion int
	MinorVersion int
	BinaryName   string
	Functions    []Function
	Loops        []Loop
}

// Library is the parsed content of one <node>/libs/<basename>.lprof file.
// StartMapAddress/StopMapAddress are populated separately per process from
// lib_ranges.lprof, not stored here.
type Library struct {
	Name      string
	Functions []Function
	Loops     []Loop
}

// WriteBinaryInfo writes binary.lprof.
func WriteBinaryInfo(w io.Writer, info BinaryInfo) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(Magic[:]); err != nil {
		return err
	}
	if _, err := bw.Write(Version[:]); err != nil {
		return err
	}
	if err := writeString(bw, info.BinaryName); err != nil {
		return err
	}
	if err := writeFunctions(bw, info.Functions); err != nil {
		return err
	}
	if err := writeLoops(bw, info.Loops); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadBinaryInfo reads binary.lprof and verifies the magic. A major
// version below 2 or an unreadable header aborts loading.
func ReadBinaryInfo(r io.Reader) (BinaryInfo, error) {
	var info BinaryInfo
	br := bufio.NewReader(r)

	var magic [8]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return info, fmt.Errorf("binfmt: reading magic: %w", err)
	}
	if magic != Magic {
		return info, fmt.Errorf("binfmt: bad magic %q", magic)
	}
	var version [4]byte
	if _, err := io.ReadFull(br, version[:]); err != nil {
		return info, fmt.Errorf("binfmt: reading version: %w", err)
	}
	info.MajorVersion = int(version[0] - '0')
	info.MinorVersion = int(version[2] - '0')
	if info.MajorVersion < 2 {
		return info, fmt.Errorf("binfmt: unsupported major version %d", info.MajorVersion)
	}

	name, err := readString(br)
	if err != nil {
		return info, err
	}
	info.BinaryName = name

	funcs, err := readFunctions(br)
	if err != nil {
		return info, err
	}
	info.Functions = funcs

	loops, err := readLoops(br)
	if err != nil {
		return info, err
	}
	info.Loops = loops

	return info, nil
}

// WriteLibrary writes one libs/<basename>.lprof file.
func WriteLibrary(w io.Writer, lib Library) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(Magic[:]); err != nil {
		return err
	}
	if _, err := bw.Write(Version[:]); err != nil {
		return err
	}
	if err := writeString(bw, lib.Name); err != nil {
		return err
	}
	if err := writeFunctions(bw, lib.Functions); err != nil {
		return err
	}
	if err := writeLoops(bw, lib.Loops); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadLibrary reads one libs/<basename>.lprof file.
func ReadLibrary(r io.Reader) (Library, error) {
	var lib Library
	br := bufio.NewReader(r)

	var magic [8]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return lib, err
	}
	if magic != Magic {
		return lib, fmt.Errorf("binfmt: bad magic %q", magic)
	}
	var version [4]byte
	if _, err := io.ReadFull(br, version[:]); err != nil {
		return lib, err
	}

	name, err := readString(br)
	if err != nil {
		return lib, err
	}
	lib.Name = name

	funcs, err := readFunctions(br)
	if err != nil {
		return lib, err
	}
	lib.Functions = funcs

	loops, err := readLoops(br)
	if err != nil {
		return lib, err
	}
	lib.Loops = loops

	return lib, nil
}

func writeFunctions(w *bufio.Writer, fns []Function) error {
	if err := writeU32(w, uint32(len(fns))); err != nil {
		return err
	}
	for _, fn := range fns {
		if err := writeString(w, fn.Name); err != nil {
			return err
		}
		if err := writeU64Slice(w, fn.StartAddress); err != nil {
			return err
		}
		if err := writeU64Slice(w, fn.StopAddress); err != nil {
			return err
		}
		if err := writeString(w, fn.SrcFile); err != nil {
			return err
		}
		if err := writeU32(w, fn.SrcLine); err != nil {
			return err
		}
		if err := writeU32Slice(w, fn.OutermostLoops); err != nil {
			return err
		}
	}
	return nil
}

func readFunctions(r *bufio.Reader) ([]Function, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]Function, n)
	for i := range out {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		start, err := readU64Slice(r)
		if err != nil {
			return nil, err
		}
		stop, err := readU64Slice(r)
		if err != nil {
			return nil, err
		}
		srcFile, err := readString(r)
		if err != nil {
			return nil, err
		}
		srcLine, err := readU32(r)
		if err != nil {
			return nil, err
		}
		loops, err := readU32Slice(r)
		if err != nil {
			return nil, err
		}
		out[i] = Function{
			Name: name, StartAddress: start, StopAddress: stop,
			SrcFile: srcFile, SrcLine: srcLine, OutermostLoops: loops,
		}
	}
	return out, nil
}

func writeLoops(w *bufio.Writer, loops []Loop) error {
	if err := writeU32(w, uint32(len(loops))); err != nil {
		return err
	}
	for _, l := range loops {
		if err := writeU32(w, l.ID); err != nil {
			return err
		}
		if err := writeU64Slice(w, l.StartAddress); err != nil {
			return err
		}
		if err := writeU64Slice(w, l.StopAddress); err != nil {
			return err
		}
		if err := writeString(w, l.SrcFile); err != nil {
			return err
		}
		if err := writeString(w, l.SrcFunctionName); err != nil {
			return err
		}
		if err := writeU32(w, l.SrcFunctionLine); err != nil {
			return err
		}
		if err := writeU32(w, l.SrcStartLine); err != nil {
			return err
		}
		if err := writeU32(w, l.SrcStopLine); err != nil {
			return err
		}
		if err := w.WriteByte(l.Level); err != nil {
			return err
		}
		if err := writeU32Slice(w, l.Children); err != nil {
			return err
		}
	}
	return nil
}

func readLoops(r *bufio.Reader) ([]Loop, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]Loop, n)
	for i := range out {
		id, err := readU32(r)
		if err != nil {
			return nil, err
		}
		start, err := readU64Slice(r)
		if err != nil {
			return nil, err
		}
		stop, err := readU64Slice(r)
		if err != nil {
			return nil, err
		}
		srcFile, err := readString(r)
		if err != nil {
			return nil, err
		}
		srcFn, err := readString(r)
		if err != nil {
			return nil, err
		}
		srcFnLine, err := readU32(r)
		if err != nil {
			return nil, err
		}
		srcStart, err := readU32(r)
		if err != nil {
			return nil, err
		}
		srcStop, err := readU32(r)
		if err != nil {
			return nil, err
		}
		level, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		children, err := readU32Slice(r)
		if err != nil {
			return nil, err
		}
		out[i] = Loop{
			ID: id, StartAddress: start, StopAddress: stop,
			SrcFile: srcFile, SrcFunctionName: srcFn, SrcFunctionLine: srcFnLine,
			SrcStartLine: srcStart, SrcStopLine: srcStop, Level: level, Children: children,
		}
	}
	return out, nil
}

func writeU32(w *bufio.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r *bufio.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeU64(w *bufio.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU64(r *bufio.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeString(w *bufio.Writer, s string) error {
	if err := writeU64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r *bufio.Reader) (string, error) {
	n, err := readU64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeU64Slice(w *bufio.Writer, s []uint64) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	for _, v := range s {
		if err := writeU64(w, v); err != nil {
			return err
		}
	}
	return nil
}

func readU64Slice(r *bufio.Reader) ([]uint64, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		v, err := readU64(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func writeU32Slice(w *bufio.Writer, s []uint32) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	for _, v := range s {
		if err := writeU32(w, v); err != nil {
			return err
		}
	}
	return nil
}

func readU32Slice(r *bufio.Reader) ([]uint32, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		v, err := readU32(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
