package dialog

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSplitPunctuation(t *testing.T) {
	t.Parallel()

	tok := NewTokenizer()
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			"sentences",
			"Hello there. How are you today? I am fine!",
			[]string{"Hello there.", "How are you today?", "I am fine!"},
		},
		{
			"commas",
			"First, second, third",
			[]string{"First,", "second,", "third"},
		},
		{
			"no trailing punctuation",
			"Just one token",
			[]string{"Just one token"},
		},
		{
			"blank",
			"   ",
			nil,
		},
		{
			"decimal number stays whole",
			"It costs 3.50 euros today.",
			[]string{"It costs 3.50 euros today."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tok.Split(tt.in, "en"); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitAbbreviations(t *testing.T) {
	t.Parallel()

	tok := NewTokenizer()

	got := tok.Split("Dr. Smith will see you now.", "en")
	want := []string{"Dr. Smith will see you now."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split = %q, want %q", got, want)
	}

	got = tok.Split("Das kostet z.B. zehn Euro. Alles klar?", "de")
	want = []string{"Das kostet z.B. zehn Euro.", "Alles klar?"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split = %q, want %q", got, want)
	}
}

func TestSplitInitials(t *testing.T) {
	t.Parallel()

	tok := NewTokenizer()
	got := tok.Split("Ask J. Doe about it.", "en")
	want := []string{"Ask J. Doe about it."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split = %q, want %q", got, want)
	}
}

func TestSplitLongTokenOnSeparators(t *testing.T) {
	t.Parallel()

	tok := NewTokenizer()
	in := "the appointment is available on monday morning and we could also offer you " +
		"a slot on wednesday afternoon or early on friday if that works better for you"

	got := tok.Split(in, "en")
	if len(got) < 2 {
		t.Fatalf("long token not split: %q", got)
	}
	if joined := strings.Join(got, " "); joined != in {
		t.Errorf("split lost content:\n got %q\nwant %q", joined, in)
	}
	for _, piece := range got[1:] {
		first := strings.Fields(piece)[0]
		if first != "and" && first != "or" {
			t.Errorf("piece %q does not start with a separator word", piece)
		}
	}
}

func TestSplitShortTokenNotResplit(t *testing.T) {
	t.Parallel()

	tok := NewTokenizer()
	got := tok.Split("tea and coffee", "en")
	want := []string{"tea and coffee"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split = %q, want %q", got, want)
	}
}

func TestAddExceptions(t *testing.T) {
	t.Parallel()

	tok := NewTokenizer()
	tok.AddExceptions("en", "approx.")

	got := tok.Split("It takes approx. ten minutes.", "en")
	want := []string{"It takes approx. ten minutes."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split = %q, want %q", got, want)
	}
}

func TestLoadExceptionsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tokenizer_exceptions.json")
	if err := os.WriteFile(path, []byte(`{"en": ["blvd.", "ave."]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tok := NewTokenizer()
	if err := tok.LoadExceptions(path); err != nil {
		t.Fatalf("LoadExceptions: %v", err)
	}

	got := tok.Split("We are on Sunset Blvd. near the park.", "en")
	want := []string{"We are on Sunset Blvd. near the park."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split = %q, want %q", got, want)
	}

	if err := tok.LoadExceptions(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file reported as loaded")
	}
}
