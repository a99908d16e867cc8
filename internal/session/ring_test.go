package session

import (
	"reflect"
	"testing"
)

func TestRing_CompleteLines(t *testing.T) {
	r := NewRing(10)
	r.Write([]byte("one\ntwo\n"))
	if got := r.Lines(); !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Errorf("Lines = %v", got)
	}
}

func TestRing_PartialLineCarry(t *testing.T) {
	r := NewRing(10)
	r.Write([]byte("hel"))
	r.Write([]byte("lo\nwor"))

	got := r.Lines()
	want := []string{"hello", "wor"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lines = %v, want %v", got, want)
	}

	r.Write([]byte("ld\n"))
	got = r.Lines()
	want = []string{"hello", "world"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lines after completion = %v, want %v", got, want)
	}
}

func TestRing_BoundDropsOldest(t *testing.T) {
	r := NewRing(3)
	r.Write([]byte("a\nb\nc\nd\ne\n"))
	if got := r.Lines(); !reflect.DeepEqual(got, []string{"c", "d", "e"}) {
		t.Errorf("Lines = %v, want newest three", got)
	}
}

func TestRing_CRLFStripped(t *testing.T) {
	r := NewRing(10)
	r.Write([]byte("line\r\n"))
	if got := r.Lines(); !reflect.DeepEqual(got, []string{"line"}) {
		t.Errorf("Lines = %v, want CR stripped", got)
	}
}
