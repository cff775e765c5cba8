package aggregator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/monitor"
	"github.com/kolkov/probekit/internal/monitor/detector"
	"github.com/kolkov/probekit/internal/srcmap"
	"github.com/kolkov/probekit/internal/symbolic"
)

// symbolicModule is symbolic_test_int.c after the symbolic pass.
const symbolicModule = `
source: symbolic_test_int.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: alloca, dst: j, size: 4, name: j}
          - {op: probe, probe: {kind: sym.make, id: 0, addr: "%j", size: 4, name: j}}
          - {op: symbolic, x: "%j", size: 4, name: j}
          - {op: load, dst: v, x: "%j"}
          - {op: cmp, dst: c, pred: eq, x: "%v", y: 123214125}
          - {op: probe, probe: {kind: sym.branch, id: 0, cond: "%c"}}
        term: {op: condbr, cond: "%c", then: hit, else: miss}
      - label: hit
        instrs:
          - {op: print, fmt: "found\n"}
        term: {op: ret, x: 100}
      - label: miss
        term: {op: ret, x: 0}
`

const loopModule = `
source: loop.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: print, fmt: "start\n"}
        term: {op: br, then: loop}
      - label: loop
        term: {op: br, then: loop}
`

func program(t *testing.T, src string, modes ...string) *Program {
	t.Helper()
	mod, err := ir.Parse([]byte(src))
	require.NoError(t, err)
	return &Program{Module: mod, Meta: &ir.Metadata{Modes: modes}}
}

func TestExecuteInProcess(t *testing.T) {
	prog := program(t, symbolicModule, ir.ModeSymbolic)
	r := &Runner{}

	o, err := r.Execute(context.Background(), prog, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, o.Run.ExitCode)
	assert.False(t, o.Run.Incomplete)
	assert.True(t, o.Run.Snapshot.Complete)
	assert.Nil(t, o.Exploration)
}

func TestExplore(t *testing.T) {
	prog := program(t, symbolicModule, ir.ModeSymbolic)
	r := &Runner{}

	o, err := r.Explore(context.Background(), prog, nil, symbolic.Budget{Workers: 2})
	require.NoError(t, err)
	require.NotNil(t, o.Exploration)
	require.Len(t, o.Exploration.Paths, 2)
	assert.True(t, o.Exploration.Complete())

	// Path #0 is the concrete run.
	assert.Equal(t, 0, o.Run.ExitCode)
	assert.Empty(t, o.Run.Stdout)

	p1 := o.Exploration.Paths[1]
	assert.Equal(t, 100, p1.ExitCode)
	assert.Equal(t, "found\n", p1.Stdout)
	assert.Equal(t, int64(123214125), p1.Inputs["j"])

	var out bytes.Buffer
	require.NoError(t, RenderExploration(&out, o.Exploration, RenderOptions{}))
	want := `[SYMBOLIC] explored 2 paths
path #0: exit 0
    inputs      = j=0
    constraints = (j != 123214125)
path #1: exit 100
    inputs      = j=123214125
    constraints = (j == 123214125)
`
	assert.Equal(t, want, out.String())
}

func TestExploreBudget(t *testing.T) {
	prog := program(t, symbolicModule, ir.ModeSymbolic)
	o, err := (&Runner{}).Explore(context.Background(), prog, nil, symbolic.Budget{MaxPaths: 1})
	require.NoError(t, err)
	assert.Len(t, o.Exploration.Paths, 1)
	assert.Equal(t, 1, o.Exploration.Pending)

	var out bytes.Buffer
	require.NoError(t, RenderExploration(&out, o.Exploration, RenderOptions{}))
	assert.True(t, strings.HasPrefix(out.String(), "[SYMBOLIC] explored 1 paths (1 pending, 0 abandoned)\n"))
}

func TestRunTimeout(t *testing.T) {
	prog := program(t, loopModule)
	r := &Runner{Timeout: 100 * time.Millisecond}

	res, err := r.Run(context.Background(), prog, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ExitTimeout, res.ExitCode)
	assert.True(t, res.Incomplete)
	assert.False(t, res.Snapshot.Complete)
	assert.Equal(t, "start\n", string(res.Stdout))

	var stdout, stderr bytes.Buffer
	require.NoError(t, Render(&stdout, &stderr, prog.Meta, &Outcome{Run: res}, RenderOptions{}))
	assert.Equal(t, "start\n[INCOMPLETE] run timed out; reports cover the observed prefix\n", stdout.String())
	assert.Empty(t, stderr.String())
}

func TestRunCanceled(t *testing.T) {
	prog := program(t, loopModule)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := (&Runner{Timeout: time.Minute}).Run(ctx, prog, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunLaunchErrors(t *testing.T) {
	_, err := (&Runner{}).Run(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrLaunch)

	// A module without main cannot start.
	prog := program(t, "source: x.c\nfunctions:\n  - name: helper\n    blocks:\n      - label: entry\n        term: {op: ret}\n")
	_, err = (&Runner{}).Run(context.Background(), prog, nil, nil)
	assert.ErrorIs(t, err, ErrLaunch)

	// The child binary does not exist.
	prog = program(t, symbolicModule)
	prog.Artifact = filepath.Join(t.TempDir(), "prog.pk")
	r := &Runner{Exe: filepath.Join(t.TempDir(), "no-such-probekit")}
	_, err = r.Run(context.Background(), prog, nil, nil)
	assert.ErrorIs(t, err, ErrLaunch)
}

func TestExecWritesSnapshot(t *testing.T) {
	prog := program(t, symbolicModule, ir.ModeSymbolic)
	snap := filepath.Join(t.TempDir(), "snapshot")
	var stdout bytes.Buffer

	status, err := Exec(context.Background(), ExecOptions{
		Program:       prog,
		Snapshot:      snap,
		Spec:          &symbolic.PathSpec{ID: 1, Inputs: symbolic.Model{"j": 123214125}, Prefix: 1},
		FlushInterval: 10 * time.Millisecond,
		Stdout:        &stdout,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, status)
	assert.Equal(t, "found\n", stdout.String())

	s, err := monitor.ReadSnapshotFile(snap)
	require.NoError(t, err)
	assert.True(t, s.Complete)
	require.NotNil(t, s.Symbolic)
	assert.Empty(t, s.Symbolic.Alternates)
}

func TestExecRequiresSnapshot(t *testing.T) {
	_, err := Exec(context.Background(), ExecOptions{Program: program(t, loopModule)})
	assert.Error(t, err)
}

func TestPathSpecFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "path")
	spec := &symbolic.PathSpec{ID: 3, Inputs: symbolic.Model{"x": 2}, Prefix: 1}
	require.NoError(t, WritePathSpec(path, spec))

	got, err := ReadPathSpec(path)
	require.NoError(t, err)
	assert.Equal(t, spec.ID, got.ID)
	assert.Equal(t, spec.Prefix, got.Prefix)
	assert.Equal(t, int64(2), got.Inputs["x"])

	_, err = ReadPathSpec(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestJoinLimited(t *testing.T) {
	tests := []struct {
		items []string
		want  string
	}{
		{nil, ""},
		{[]string{"3"}, "3"},
		{[]string{"1", "2", "3", "4", "5"}, "1,2,3,4,5"},
		{[]string{"1", "2", "3", "4", "5", "6", "7"}, "...1,2,3,4,5"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := joinLimited(tt.items, 5); got != tt.want {
				t.Errorf("joinLimited(%v) = %q, want %q", tt.items, got, tt.want)
			}
		})
	}
}

func TestCoverageTable(t *testing.T) {
	files := []monitor.FileCoverage{
		{
			File: "if.c", Funcs: 2, CoveredFuncs: 1, UncoveredFuncs: []int{11},
			Branches: 2, CoveredBranches: 1,
			UncoveredBranches: []ir.CovEdge{{Line: 8, Other: 6, Then: false}},
			Lines:             7, CoveredLines: 4, UncoveredLines: []int{8, 11, 12},
		},
		{
			File: "func.c", Funcs: 1, CoveredFuncs: 1,
			Lines: 8, CoveredLines: 1, UncoveredLines: []int{2, 3, 4, 5, 6, 7, 8},
		},
	}
	out := CoverageTable(files, RenderOptions{})
	for _, want := range append(coverageHeaders,
		"if.c", "50.00", "8(6:T)", "57.14", "8,11,12",
		"func.c", "100.00", "NaN", "12.50", "...2,3,4,5,6",
	) {
		assert.Contains(t, out, want)
	}

	limited := CoverageTable(files[1:], RenderOptions{ListLimit: 2})
	assert.Contains(t, limited, "...2,3")
	assert.NotContains(t, limited, "2,3,4")
}

func TestCoverageTableShape(t *testing.T) {
	files := []monitor.FileCoverage{{
		File: "tests/inputs/coverage/switch.c", Funcs: 1, CoveredFuncs: 1,
		Branches: 4, CoveredBranches: 1,
		UncoveredBranches: []ir.CovEdge{
			{Line: 7, Other: 9, Then: true},
			{Line: 11, Other: 13, Then: true},
			{Line: 13, Other: 11},
		},
		Lines: 9, CoveredLines: 6, UncoveredLines: []int{7, 11, 13},
	}}
	want := strings.Join([]string{
		"+--------------------------------+---------+-----------------+----------+--------------------------+---------+-----------------+",
		"| File                           | % Funcs | Uncovered Funcs | % Branch | Uncovered Branches       | % Lines | Uncovered lines |",
		"+--------------------------------+---------+-----------------+----------+--------------------------+---------+-----------------+",
		"| tests/inputs/coverage/switch.c | 100.00  |                 | 25.00    | 7(9:F),11(13:F),13(11:T) | 66.67   | 7,11,13         |",
		"+--------------------------------+---------+-----------------+----------+--------------------------+---------+-----------------+",
	}, "\n")
	if got := CoverageTable(files, RenderOptions{}); got != want {
		t.Errorf("CoverageTable() =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderOrder(t *testing.T) {
	src := filepath.Join(t.TempDir(), "oob.c")
	require.NoError(t, os.WriteFile(src, []byte("int main() {\n  int *a = malloc(40);\n  a[10] = 1;\n}\n"), 0o644))
	covPath := filepath.Join(t.TempDir(), "cov.out")

	meta := &ir.Metadata{
		Modes: []string{ir.ModeRace, ir.ModeMemSafety, ir.ModeCoverage},
		Coverage: &ir.CoverageMap{
			Funcs:  []ir.CovFunc{{Name: "main", File: "oob.c", Line: 1}},
			Blocks: []ir.CovBlock{{Func: "main", Label: "entry", File: "oob.c", Lines: []int{2, 3}}},
		},
	}
	o := &Outcome{
		Run: &RunResult{
			ExitCode: monitor.ExitViolation,
			Stdout:   []byte("program output\n"),
			Snapshot: &monitor.Snapshot{
				Complete: true,
				Races: []detector.RaceReport{{
					Number:  0,
					Var:     detector.Var{Name: "counter", Decl: 5},
					Current: detector.AccessInfo{TID: 2, Line: 12},
				}},
				Violation: &monitor.Violation{
					Kind: monitor.HeapBufferOverflow, File: "oob.c", Addr: 0x1028, Size: 4, Write: true,
					Stack: []srcmap.Location{{File: "oob.c", Func: "main", Line: 3, Col: 8}},
				},
			},
		},
		Coverage: &monitor.CoverageCounts{Funcs: []uint64{1}, Blocks: []uint64{1}},
	}

	var stdout, stderr bytes.Buffer
	opts := RenderOptions{TestMode: true, Snippet: true, SourceDir: filepath.Dir(src), CoverageOut: covPath}
	require.NoError(t, Render(&stdout, &stderr, meta, o, opts))

	out := stdout.String()
	assert.True(t, strings.HasPrefix(out, "program output\n"+detector.Header(0)+"\n"))
	assert.NotContains(t, out, "thread id")
	assert.Contains(t, out, "variable used line = 12")
	assert.Less(t, strings.Index(out, "variable name"), strings.Index(out, "% Funcs"))

	wantErr := `[ASAN] invalid memory access detected at oob.c
   5: main
             at ./oob.c:3:8
SUMMARY: heap-buffer-overflow: write of 4 bytes
    3 |   a[10] = 1;
`
	assert.Equal(t, wantErr, stderr.String())

	data, err := os.ReadFile(covPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "oob.c")
	assert.Contains(t, string(data), "100.00")
}

func TestRenderWithoutRun(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.NoError(t, Render(&stdout, &stderr, nil, nil, RenderOptions{}))
	assert.NoError(t, Render(&stdout, &stderr, nil, &Outcome{}, RenderOptions{}))
	assert.Zero(t, stdout.Len()+stderr.Len())
}

func TestRenderViolationColor(t *testing.T) {
	v := &monitor.Violation{Kind: monitor.DoubleFree, File: "df.c"}
	var out bytes.Buffer
	require.NoError(t, RenderViolation(&out, v, RenderOptions{Color: true, TestMode: true}))
	assert.Contains(t, out.String(), "[ASAN] invalid memory access detected at df.c")
	assert.True(t, strings.HasSuffix(out.String(), "SUMMARY: double-free\n"))
}
