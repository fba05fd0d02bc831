package protocol

import (
	"errors"
	"testing"

	"botwave/internal/errs"
)

func TestParseBuildRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"simple verb", "PING\n"},
		{"positional", "start all song.wav\n"},
		{"keyword", "START filename=song.wav freq=90.5 loop=false\n"},
		{"quoted value", "REGISTER hostname=pi1 machine='arm v7l'\n"},
		{"double quoted", `ERROR message="bad request"` + "\n"},
		{"escaped quote", `START ps='it\'s live'` + "\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Parse(tc.line)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.line, err)
			}
			rebuilt := Build(f)
			f2, err := Parse(rebuilt)
			if err != nil {
				t.Fatalf("Parse(rebuilt %q): %v", rebuilt, err)
			}
			if f.Verb != f2.Verb || len(f.Positional) != len(f2.Positional) || len(f.Keyword) != len(f2.Keyword) {
				t.Fatalf("round trip mismatch: %+v vs %+v", f, f2)
			}
			for k, v := range f.Keyword {
				if f2.Keyword[k] != v {
					t.Fatalf("keyword %q mismatch: %q vs %q", k, v, f2.Keyword[k])
				}
			}
		})
	}
}

func TestParseUnbalancedQuote(t *testing.T) {
	_, err := Parse("START filename='song.wav\n")
	if !errors.Is(err, errs.ErrInvalidSyntax) {
		t.Fatalf("expected ErrInvalidSyntax, got %v", err)
	}
}

func TestParseEmptyFrame(t *testing.T) {
	_, err := Parse("\n")
	if !errors.Is(err, errs.ErrInvalidSyntax) {
		t.Fatalf("expected ErrInvalidSyntax, got %v", err)
	}
}

func TestParseVerbUppercased(t *testing.T) {
	f, err := Parse("ping\n")
	if err != nil {
		t.Fatal(err)
	}
	if f.Verb != "PING" {
		t.Fatalf("expected uppercased verb, got %q", f.Verb)
	}
}

func TestBuildKeywordOrderDeterministic(t *testing.T) {
	f := Frame{Verb: "START", Keyword: map[string]string{"b": "2", "a": "1"}}
	got := Build(f)
	want := "START a=1 b=2\n"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestQuoteValueWithSpace(t *testing.T) {
	f := Frame{Verb: "START", Keyword: map[string]string{"ps": "My Station"}}
	got := Build(f)
	want := "START ps='My Station'\n"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
