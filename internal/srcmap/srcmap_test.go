package srcmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/probekit/internal/ir"
)

func testModule() *ir.Module {
	return &ir.Module{
		Source: "tests/inputs/asan/uaf.c",
		Functions: []*ir.Function{
			{
				Name: "main",
				Pos:  ir.Pos{Line: 4, Col: 1},
				Blocks: []*ir.Block{{
					Label: "entry",
					Instrs: []*ir.Instr{
						{Op: ir.OpMalloc, Dst: "p", X: ir.Const(40), Pos: ir.Pos{Line: 5, Col: 22}},
						{Op: ir.OpMov, Dst: "t", X: ir.Const(0)},
					},
					Term: &ir.Term{Op: ir.TermRet, Pos: ir.Pos{Line: 8, Col: 1}},
				}},
			},
			{
				Name: "helper",
				File: "lib.c",
				Blocks: []*ir.Block{{
					Label: "entry",
					Term:  &ir.Term{Op: ir.TermRet},
				}},
			},
		},
	}
}

func TestLookup(t *testing.T) {
	sm := Build(testModule())

	tests := []struct {
		name   string
		fn     string
		block  string
		idx    int
		want   Location
		wantOK bool
	}{
		{
			name:   "attributed instruction",
			fn:     "main", block: "entry", idx: 0,
			want:   Location{File: "tests/inputs/asan/uaf.c", Func: "main", Line: 5, Col: 22},
			wantOK: true,
		},
		{
			name:   "terminator",
			fn:     "main", block: "entry", idx: TermIndex,
			want:   Location{File: "tests/inputs/asan/uaf.c", Func: "main", Line: 8, Col: 1},
			wantOK: true,
		},
		{
			name:   "unattributed instruction",
			fn:     "main", block: "entry", idx: 1,
			want:   Location{File: "tests/inputs/asan/uaf.c", Func: "main"},
			wantOK: false,
		},
		{
			name:   "function file override",
			fn:     "helper", block: "entry", idx: TermIndex,
			want:   Location{File: "lib.c", Func: "helper"},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sm.Lookup(tt.fn, tt.block, tt.idx)
			if ok != tt.wantOK {
				t.Errorf("Lookup() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Lookup() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLocationString(t *testing.T) {
	loc := Location{File: "tests/inputs/asan/uaf.c", Line: 7, Col: 12}
	if got := loc.String(); got != "tests/inputs/asan/uaf.c:7:12" {
		t.Errorf("String() = %q", got)
	}
}

const cSource = `#include <stdio.h>

int add(int v1, int v2) {
    return v1+v2;
}

static char *name(void) {
    return "x";
}

int main(int argc) {
    return add(1, 2);
}
`

func TestIndexBytes(t *testing.T) {
	idx, err := IndexBytes("func.c", []byte(cSource))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"add": 3, "name": 7, "main": 11}, idx.Funcs)
}

func TestIndexSourceCpp(t *testing.T) {
	src := "namespace ns {\nint Foo::bar(int x) {\n  return x;\n}\n}\n\nint main() { return 0; }\n"
	path := filepath.Join(t.TempDir(), "m.cpp")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))

	idx, err := IndexSource(path)
	require.NoError(t, err)

	assert.Equal(t, 2, idx.Funcs["bar"])
	assert.Equal(t, 7, idx.Funcs["main"])
}

func TestAttributeFillsMissingEntries(t *testing.T) {
	m := testModule()
	m.Functions[1].Name = "_Z6helperv"
	sm := Build(m)

	if _, ok := sm.Entry("_Z6helperv"); ok {
		t.Fatal("Entry() should be unattributed before Attribute")
	}

	filled := sm.Attribute(&Index{Funcs: map[string]int{"helper": 12, "main": 99}})
	if filled != 1 {
		t.Errorf("Attribute() = %d, want 1", filled)
	}

	loc, ok := sm.Entry("_Z6helperv")
	assert.True(t, ok)
	assert.Equal(t, 12, loc.Line)

	// Already attributed entries are kept.
	loc, _ = sm.Entry("main")
	assert.Equal(t, 4, loc.Line)
}

func TestNames(t *testing.T) {
	tests := []struct {
		sym      string
		display  string
		baseName string
	}{
		{"main", "main", "main"},
		{"_Z3addii", "add(int, int)", "add"},
		{"_ZN3foo3barEv", "foo::bar()", "bar"},
	}

	for _, tt := range tests {
		t.Run(tt.sym, func(t *testing.T) {
			if got := DisplayName(tt.sym); got != tt.display {
				t.Errorf("DisplayName(%q) = %q, want %q", tt.sym, got, tt.display)
			}
			if got := BaseName(tt.sym); got != tt.baseName {
				t.Errorf("BaseName(%q) = %q, want %q", tt.sym, got, tt.baseName)
			}
		})
	}
}
