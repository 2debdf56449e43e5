// Package fault defines the error taxonomy shared by the read-count
// pipeline. Every error type maps onto a grailbio errors.Kind so callers that
// only care about the broad class can use errors.Is(kind, err).
//
// Errors are scoped to one sample: the pipeline catches all of them at the
// sample boundary and records them in the run report.
package fault

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// InputFormatError reports a malformed read or manifest record.
type InputFormatError struct {
	// Path is the file that contained the record.
	Path string
	// Line is the 1-based line number of the offending line, or 0 if unknown.
	Line int
	// Msg describes the problem.
	Msg string
	// Err is an optional sentinel describing the class of problem.
	Err error
}

func (e *InputFormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

func (e *InputFormatError) Unwrap() error { return e.Err }

// Kind implements the grailbio kind mapping.
func (e *InputFormatError) Kind() errors.Kind { return errors.Invalid }

// TaskFailure reports an extraction or merge task that could not complete.
type TaskFailure struct {
	// Task is a human-readable task name, e.g., "p000003-c0001".
	Task string
	// Attempts is the number of times the task was dispatched.
	Attempts int
	Err      error
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.Task, e.Attempts, e.Err)
}

func (e *TaskFailure) Unwrap() error { return e.Err }

// Kind implements the grailbio kind mapping.
func (e *TaskFailure) Kind() errors.Kind { return KindOf(e.Err) }

// MergeIntegrityError reports an artifact that is missing or corrupt at merge
// time, or two artifacts that disagree about a read.
type MergeIntegrityError struct {
	Path string
	Err  error
}

func (e *MergeIntegrityError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("merge integrity: %v", e.Err)
	}
	return fmt.Sprintf("merge integrity %s: %v", e.Path, e.Err)
}

func (e *MergeIntegrityError) Unwrap() error { return e.Err }

// Kind implements the grailbio kind mapping.
func (e *MergeIntegrityError) Kind() errors.Kind { return errors.Integrity }

// ResourceExhaustion reports a task whose memory need exceeds the budget of a
// single worker.
type ResourceExhaustion struct {
	Task   string
	Need   int64
	Budget int64
}

func (e *ResourceExhaustion) Error() string {
	return fmt.Sprintf("task %s needs ~%d bytes, per-worker budget is %d bytes", e.Task, e.Need, e.Budget)
}

// Kind implements the grailbio kind mapping.
func (e *ResourceExhaustion) Kind() errors.Kind { return errors.Unavailable }

type kinded interface {
	Kind() errors.Kind
}

// KindOf returns the grailbio kind of err. Errors outside this package are
// classified by grailbio's own rules.
func KindOf(err error) errors.Kind {
	if err == nil {
		return errors.Other
	}
	if k, ok := err.(kinded); ok {
		return k.Kind()
	}
	return errors.Recover(err).Kind
}
