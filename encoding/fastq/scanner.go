package fastq

import (
	"bufio"
	"errors"
	"io"

	"github.com/grailbio/readcount/fault"
)

var (
	// ErrShort is returned when a truncated FASTQ file is encountered.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when an invalid FASTQ file is encountered.
	ErrInvalid = errors.New("invalid FASTQ file")
	// ErrLength is returned when a read's sequence and quality lengths differ.
	ErrLength = errors.New("sequence and quality lengths differ")
)

// LinesPerRead is the fixed number of text lines in one FASTQ record.
const LinesPerRead = 4

// maxLineSize bounds the length of a single FASTQ line.
const maxLineSize = 16 << 20

// A Read is a FASTQ read, comprising an ID, sequence, line 3
// ("unknown"), and a quality string.
type Read struct {
	ID, Seq, Unk, Qual string
}

// Name returns the read identifier without the leading '@' and without any
// description following the first whitespace.
func (r *Read) Name() string {
	id := r.ID
	if len(id) > 0 && id[0] == '@' {
		id = id[1:]
	}
	for i := 0; i < len(id); i++ {
		if id[i] == ' ' || id[i] == '\t' {
			return id[:i]
		}
	}
	return id
}

// Size returns the number of bytes the read occupies in FASTQ text form.
func (r *Read) Size() int {
	return len(r.ID) + len(r.Seq) + len(r.Unk) + len(r.Qual) + LinesPerRead
}

var errEOF = errors.New("eof")

// Scanner provides a convenient interface for reading FASTQ read
// data. The Scan method returns the next read, returning a boolean
// indicating whether the read succeeded. Scanners are not
// threadsafe.
//
// Scanner requires ID lines to begin with "@", line 3 to begin with "+",
// every record to be complete and the sequence and quality strings to be of
// equal length. Errors are reported as *fault.InputFormatError carrying the
// line number of the offending line.
type Scanner struct {
	b      *bufio.Scanner
	name   string
	line   int
	err    error
	fields Field
}

// Field enumerates FASTQ fields. It is used to specify fields to read in
// NewScanner.
type Field uint

const (
	// ID causes the Read.ID field to be filled
	ID Field = 1 << iota
	// Seq causes the Read.Seq field to be filled
	Seq
	// Unk causes the Read.Unk field to be filled
	Unk
	// Qual causes the Read.Unk field to be filled
	Qual
	// All equals ID|Seq|Unk|Qual.
	All = ID | Seq | Unk | Qual
)

// NewScanner constructs a new Scanner that reads raw FASTQ data from the
// provided reader. Fields is a bitset of the fields to read. A typical value
// would be All or ID|Seq|Qual.
func NewScanner(r io.Reader, fields Field) *Scanner {
	return NewNamedScanner(r, "<fastq>", fields)
}

// NewNamedScanner is like NewScanner, but errors name the given path.
func NewNamedScanner(r io.Reader, name string, fields Field) *Scanner {
	b := bufio.NewScanner(r)
	b.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &Scanner{b: b, name: name, fields: fields}
}

// Scan the next read into the provided read. Scan returns a boolean
// indicating whether the scan succeeded. Once Scan returns false, it
// never returns true again. Upon completion, the user should check
// the Err method to determine whether scanning stopped because of an
// error or because the end of the stream was reached.
func (f *Scanner) Scan(read *Read) bool {
	if f.err != nil {
		return false
	}
	if !f.b.Scan() {
		if f.err = f.b.Err(); f.err == nil {
			f.err = errEOF
		}
		return false
	}
	f.line++
	id := f.b.Bytes()
	if len(id) == 0 || id[0] != '@' {
		f.fail(ErrInvalid, "identifier line must start with '@'")
		return false
	}
	if f.fields&ID != 0 {
		read.ID = string(id)
	}
	if !f.scan() {
		return false
	}
	seqLen := len(f.b.Bytes())
	if f.fields&Seq != 0 {
		read.Seq = f.b.Text()
	}
	if !f.scan() {
		return false
	}
	unk := f.b.Bytes()
	if len(unk) == 0 || unk[0] != '+' {
		f.fail(ErrInvalid, "separator line must start with '+'")
		return false
	}
	if f.fields&Unk != 0 {
		read.Unk = string(unk)
	}
	if !f.scan() {
		return false
	}
	if len(f.b.Bytes()) != seqLen {
		f.fail(ErrLength, ErrLength.Error())
		return false
	}
	if f.fields&Qual != 0 {
		read.Qual = f.b.Text()
	}
	return true
}

func (f *Scanner) scan() bool {
	ok := f.b.Scan()
	if !ok {
		if f.err = f.b.Err(); f.err == nil {
			f.fail(ErrShort, "truncated record")
		}
		return false
	}
	f.line++
	return ok
}

func (f *Scanner) fail(kind error, msg string) {
	line := f.line
	if kind == ErrShort {
		line++
	}
	f.err = &fault.InputFormatError{Path: f.name, Line: line, Msg: msg, Err: kind}
}

// Line returns the number of lines consumed so far.
func (f *Scanner) Line() int { return f.line }

// Err returns the scanning error, if any.
func (f *Scanner) Err() error {
	if f.err == errEOF {
		return nil
	}
	return f.err
}
