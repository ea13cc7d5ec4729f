package wire

import (
	"errors"
	"testing"
)

func TestParse_ConsumesTypedPositions(t *testing.T) {
	p, err := NewParse(ArrayFrame(
		StringFrame("opcode"),
		IntFrame(-5),
		UintFrame(9),
		NullFrame(),
	))
	if err != nil {
		t.Fatalf("NewParse: %v", err)
	}

	if s, err := p.NextString(); err != nil || s != "opcode" {
		t.Fatalf("NextString = (%q, %v)", s, err)
	}
	if i, err := p.NextInteger(); err != nil || i != -5 {
		t.Fatalf("NextInteger = (%d, %v)", i, err)
	}
	if u, err := p.NextUnsigned(); err != nil || u != 9 {
		t.Fatalf("NextUnsigned = (%d, %v)", u, err)
	}
	if f, err := p.NextFrame(); err != nil || f.Type != TypeNull {
		t.Fatalf("NextFrame = (%s, %v)", f, err)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestParse_RequiresArray(t *testing.T) {
	_, err := NewParse(StringFrame("not an array"))
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want TypeMismatchError", err)
	}
}

func TestParse_TypeMismatchCarriesOffendingFrame(t *testing.T) {
	p, err := NewParse(ArrayFrame(IntFrame(12)))
	if err != nil {
		t.Fatalf("NewParse: %v", err)
	}
	_, err = p.NextString()
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want TypeMismatchError", err)
	}
	if mismatch.Got.Type != TypeInt || mismatch.Got.Int != 12 {
		t.Fatalf("offending frame = %s", mismatch.Got)
	}
}

func TestParse_Exhaustion(t *testing.T) {
	p, err := NewParse(ArrayFrame(StringFrame("only")))
	if err != nil {
		t.Fatalf("NewParse: %v", err)
	}
	if _, err := p.NextString(); err != nil {
		t.Fatalf("NextString: %v", err)
	}
	if _, err := p.NextFrame(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("got %v, want ErrEndOfStream", err)
	}
}

func TestParse_FinishRejectsTrailingFrames(t *testing.T) {
	p, err := NewParse(ArrayFrame(StringFrame("a"), StringFrame("b")))
	if err != nil {
		t.Fatalf("NewParse: %v", err)
	}
	if _, err := p.NextString(); err != nil {
		t.Fatalf("NextString: %v", err)
	}
	if err := p.Finish(); !errors.Is(err, ErrUnexpectedFrame) {
		t.Fatalf("got %v, want ErrUnexpectedFrame", err)
	}
}
