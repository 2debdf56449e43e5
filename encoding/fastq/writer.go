package fastq

import "io"

var newline = []byte{'\n'}

// Writer is a FASTQ file writer. It keeps running totals of what it wrote so
// that callers can cut output at size bounds.
type Writer struct {
	w      io.Writer
	err    error
	nReads int
	nBytes int64
}

// NewWriter constructs a new FASTQ writer
// that writes reads to the underlying writer w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes the read r in FASTQ format. An empty separator line is written
// as "+". An error is returned if the write failed.
func (w *Writer) Write(r *Read) error {
	w.writeln(r.ID)
	w.writeln(r.Seq)
	if r.Unk == "" {
		w.writeln("+")
	} else {
		w.writeln(r.Unk)
	}
	w.writeln(r.Qual)
	if w.err == nil {
		w.nReads++
	}
	return w.err
}

// Reads returns the number of reads written so far.
func (w *Writer) Reads() int { return w.nReads }

// Bytes returns the number of bytes written so far.
func (w *Writer) Bytes() int64 { return w.nBytes }

func (w *Writer) writeln(line string) {
	if w.err != nil {
		return
	}
	var n int
	n, w.err = io.WriteString(w.w, line)
	w.nBytes += int64(n)
	if w.err == nil {
		n, w.err = w.w.Write(newline)
		w.nBytes += int64(n)
	}
}
