package fault

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/expect"
)

func TestKinds(t *testing.T) {
	cause := &ResourceExhaustion{Task: "p000001-c0002", Need: 10, Budget: 5}
	for _, c := range []struct {
		err  error
		kind errors.Kind
	}{
		{&InputFormatError{Path: "a.fastq", Line: 3, Msg: "bad"}, errors.Invalid},
		{&MergeIntegrityError{Path: "x.rio", Err: stderrors.New("checksum")}, errors.Integrity},
		{cause, errors.Unavailable},
		{&TaskFailure{Task: "t", Attempts: 2, Err: cause}, errors.Unavailable},
		{fmt.Errorf("wrapped: %w", &InputFormatError{Path: "m.txt"}), errors.Other},
		{nil, errors.Other},
	} {
		expect.EQ(t, KindOf(c.err), c.kind, "%v", c.err)
	}
}

func TestUnwrap(t *testing.T) {
	inner := &InputFormatError{Path: "reads.fastq", Line: 9, Msg: "truncated record"}
	err := &TaskFailure{Task: "p000000-c0000", Attempts: 1, Err: inner}
	var ferr *InputFormatError
	expect.True(t, stderrors.As(err, &ferr))
	expect.EQ(t, ferr.Line, 9)
	expect.EQ(t, inner.Error(), "reads.fastq:9: truncated record")
	expect.EQ(t, (&InputFormatError{Path: "m.txt", Msg: "no genes"}).Error(), "m.txt: no genes")
}
