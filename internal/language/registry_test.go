package language

import (
	"errors"
	"testing"
)

func TestAll_EveryLanguageHasSpec(t *testing.T) {
	for _, l := range All() {
		spec, ok := l.Spec()
		if !ok {
			t.Fatalf("%q: Spec() not defined", l)
		}
		if spec.ID != l {
			t.Errorf("%q: ID = %q", l, spec.ID)
		}
		if spec.BackendID == "" || spec.BackendVersion == "" || spec.Filename == "" {
			t.Errorf("%q: incomplete spec %+v", l, spec)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		id       string
		version  string
		filename string
	}{
		{"javascript", "18.15.0", "main.js"},
		{"python", "3.10.0", "main.py"},
		{"c", "10.2.0", "main.c"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			spec, err := Resolve(tt.id)
			if err != nil {
				t.Fatalf("Resolve(%q) = %v", tt.id, err)
			}
			if spec.BackendID != tt.id {
				t.Errorf("BackendID = %q, want %q", spec.BackendID, tt.id)
			}
			if spec.BackendVersion != tt.version {
				t.Errorf("BackendVersion = %q, want %q", spec.BackendVersion, tt.version)
			}
			if spec.Filename != tt.filename {
				t.Errorf("Filename = %q, want %q", spec.Filename, tt.filename)
			}
		})
	}
}

func TestResolve_Unsupported(t *testing.T) {
	for _, id := range []string{"", "ruby", "Python", "cpp", "java", " c"} {
		_, err := Resolve(id)
		if !errors.Is(err, ErrUnsupportedLanguage) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnsupportedLanguage", id, err)
			continue
		}
		if want := "Unsupported language: " + id; err.Error() != want {
			t.Errorf("Resolve(%q) message = %q, want %q", id, err.Error(), want)
		}
	}
}

func TestSpecs_Order(t *testing.T) {
	specs := Specs()
	if len(specs) != 3 {
		t.Fatalf("len(Specs()) = %d, want 3", len(specs))
	}
	want := []Language{JavaScript, Python, C}
	for i, s := range specs {
		if s.ID != want[i] {
			t.Errorf("Specs()[%d] = %q, want %q", i, s.ID, want[i])
		}
	}
}

func TestDetectFromFilename(t *testing.T) {
	tests := []struct {
		name   string
		want   Language
		wantOK bool
	}{
		{"main.py", Python, true},
		{"scripts/hello.JS", JavaScript, true},
		{"prog.c", C, true},
		{"README", "", false},
		{"notes.txt", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectFromFilename(tt.name)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("DetectFromFilename(%q) = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
