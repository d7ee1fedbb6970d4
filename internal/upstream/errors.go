package upstream

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound 表示上游明确不存在该符号；Chain 返回它时意味着所有来源都回答了不存在。
	ErrNotFound = errors.New("symbol not found upstream")
	// ErrIndeterminate 表示至少一个来源失败且没有来源命中，无法断定符号是否存在。
	ErrIndeterminate = errors.New("upstream result indeterminate")
)

// Reason 描述单个来源失败的类别。
type Reason string

const (
	ReasonTimeout          Reason = "timeout"
	ReasonConnectionFailed Reason = "connection_failed"
	ReasonBadResponse      Reason = "bad_response"
)

// SourceError 记录某个来源的一次失败，不会中断 Chain 的遍历。
type SourceError struct {
	Source string
	Reason Reason
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Reason, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// IndeterminateError 汇总一次遍历中所有失败的来源。
type IndeterminateError struct {
	Failures []*SourceError
}

func (e *IndeterminateError) Error() string {
	if len(e.Failures) == 0 {
		return ErrIndeterminate.Error()
	}
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, failure.Error())
	}
	return fmt.Sprintf("%s: %s", ErrIndeterminate, strings.Join(parts, "; "))
}

func (e *IndeterminateError) Is(target error) bool {
	return target == ErrIndeterminate
}

func (e *IndeterminateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure)
	}
	return errs
}
