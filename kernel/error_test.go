package kernel

import "testing"

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected err.Error() to return %q; got %q", err.Message, err.Error())
	}

	if exp, got := "foo: error message", err.String(); got != exp {
		t.Fatalf("expected err.String() to return %q; got %q", exp, got)
	}
}
