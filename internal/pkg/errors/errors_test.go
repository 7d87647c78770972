package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	t.Run("with op and code", func(t *testing.T) {
		err := WrapWithCode(stderrors.New("boom"), CodeStitch, "stitch.concat", "chunk concat failed")
		got := err.Error()
		for _, want := range []string{"stitch.concat", "STITCH_ERROR", "chunk concat failed", "boom"} {
			if !strings.Contains(got, want) {
				t.Errorf("error string %q missing %q", got, want)
			}
		}
	})

	t.Run("bare", func(t *testing.T) {
		err := New(CodeInvalidFrameCount, "totalFrames must be positive")
		if got := err.Error(); got != "[INVALID_FRAME_COUNT] totalFrames must be positive" {
			t.Errorf("unexpected error string %q", got)
		}
	})
}

func TestWrapPreservesCode(t *testing.T) {
	inner := New(CodeInvocation, "throttled")
	outer := Wrap(inner, "dispatch.invoke", "invocation failed")

	if outer.Code != CodeInvocation {
		t.Errorf("expected code to be preserved, got %s", outer.Code)
	}
	if !stderrors.Is(outer, inner) {
		t.Error("expected wrapped error to match inner via errors.Is")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "op", "msg") != nil {
		t.Error("expected nil for nil input")
	}
	if WrapWithCode(nil, CodeInternal, "op", "msg") != nil {
		t.Error("expected nil for nil input")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeValidation, 400},
		{CodeInvalidFrameCount, 400},
		{CodeNotFound, 404},
		{CodeInvocation, 503},
		{CodeTimeout, 504},
		{CodeStitch, 500},
		{CodeInternal, 500},
	}
	for _, c := range cases {
		if got := New(c.code, "x").HTTPStatus(); got != c.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", c.code, got, c.want)
		}
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(CodeWorkerRender, "composition threw")); got != CodeWorkerRender {
		t.Errorf("expected WORKER_RENDER_ERROR, got %s", got)
	}
	if got := GetCode(stderrors.New("plain")); got != CodeInternal {
		t.Errorf("expected INTERNAL_ERROR for plain error, got %s", got)
	}
}

func TestWithField(t *testing.T) {
	err := Validation("bad input").WithField("field", "totalFrames")
	fields := GetFields(err)
	if fields["field"] != "totalFrames" {
		t.Errorf("expected field to be recorded, got %v", fields)
	}
}
