package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Message(t *testing.T) {
	err := Provisioning("create", stderrors.New("quota exceeded"))
	if got := err.Error(); got != "sandbox create failed: quota exceeded" {
		t.Errorf("Error() = %q", got)
	}

	nf := NotFound("task", "t1")
	if got := nf.Error(); got != "task not found: t1" {
		t.Errorf("Error() = %q", got)
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("loading task: %w", NotFound("task", "t1"))
	if got := KindOf(err); got != KindNotFound {
		t.Errorf("KindOf() = %q, want %q", got, KindNotFound)
	}
	if KindOf(stderrors.New("plain")) != KindUnknown {
		t.Error("plain errors should be KindUnknown")
	}
	if KindOf(nil) != "" {
		t.Error("nil error should have no kind")
	}
}

func TestIsKind_NestedKinds(t *testing.T) {
	inner := NotFound("sandbox", "sb-1")
	outer := VCS("commit", inner)

	if !IsKind(outer, KindVCS) {
		t.Error("outer kind should match")
	}
	if !IsKind(outer, KindNotFound) {
		t.Error("nested kind should match")
	}
	if IsKind(outer, KindConflict) {
		t.Error("unrelated kind should not match")
	}
}

func TestConflict_NamesTask(t *testing.T) {
	err := Conflict("t2", stderrors.New("409"))
	if !strings.Contains(err.Error(), "t2") {
		t.Errorf("conflict error should name the task: %v", err)
	}
	if SubjectOf(fmt.Errorf("combine: %w", err)) != "t2" {
		t.Error("SubjectOf should return the task id")
	}
}
