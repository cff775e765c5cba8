package aggregator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/lipgloss/v2/table"
	"github.com/dustin/go-humanize"

	"github.com/kolkov/probekit/internal/fuzz"
	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/monitor"
	"github.com/kolkov/probekit/internal/monitor/detector"
	"github.com/kolkov/probekit/internal/symbolic"
)

// DefaultListLimit is the number of uncovered entries shown per cell.
const DefaultListLimit = 5

// RenderOptions control report output.
type RenderOptions struct {
	Color bool
	// TestMode hides thread ids and addresses.
	TestMode bool
	// Snippet prints the faulting source line of a memory-safety
	// violation. Sources are looked up under SourceDir.
	Snippet   bool
	SourceDir string
	// ListLimit caps uncovered lists. Zero means DefaultListLimit.
	ListLimit int
	// CoverageOut, when set, also receives the coverage table without
	// colors.
	CoverageOut string
}

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	uncoveredStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	borderStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
)

// Render writes the program output followed by the reports of o:
// races, memory safety (to stderr), coverage and symbolic paths.
func Render(stdout, stderr io.Writer, meta *ir.Metadata, o *Outcome, opts RenderOptions) error {
	if o == nil || o.Run == nil {
		return nil
	}
	if _, err := stdout.Write(o.Run.Stdout); err != nil {
		return err
	}
	if _, err := stderr.Write(o.Run.Stderr); err != nil {
		return err
	}
	if meta == nil {
		meta = &ir.Metadata{}
	}
	snap := o.Run.Snapshot
	if snap == nil {
		snap = &monitor.Snapshot{}
	}

	if meta.Has(ir.ModeRace) {
		if err := RenderRaces(stdout, snap.Races, opts); err != nil {
			return err
		}
	}
	if snap.Violation != nil {
		if err := RenderViolation(stderr, snap.Violation, opts); err != nil {
			return err
		}
	}
	if meta.Coverage != nil {
		files := monitor.SummarizeCoverage(meta.Coverage, o.Coverage)
		if err := RenderCoverage(stdout, files, opts); err != nil {
			return err
		}
		if opts.CoverageOut != "" {
			plain := opts
			plain.Color = false
			if err := writeCoverageFile(opts.CoverageOut, files, plain); err != nil {
				return err
			}
		}
	}
	if o.Exploration != nil {
		if err := RenderExploration(stdout, o.Exploration, opts); err != nil {
			return err
		}
	}
	if o.Fuzz != nil {
		if err := RenderCampaign(stdout, o.Fuzz, opts); err != nil {
			return err
		}
	}
	if o.Run.Incomplete {
		return renderIncomplete(stdout, o.Run, opts)
	}
	return nil
}

// renderIncomplete marks reports built from a partial snapshot.
func renderIncomplete(w io.Writer, res *RunResult, opts RenderOptions) error {
	reason := "program state was lost"
	if res.ExitCode == ExitTimeout {
		reason = "run timed out"
	}
	line := fmt.Sprintf("[INCOMPLETE] %s; reports cover the observed prefix", reason)
	if opts.Color {
		line = headerStyle.Render(line)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

// RenderRaces writes one block per race report.
func RenderRaces(w io.Writer, reports []detector.RaceReport, opts RenderOptions) error {
	fo := detector.FormatOptions{HideThread: opts.TestMode}
	if opts.Color {
		fo.Header = func(s string) string { return headerStyle.Render(s) }
	}
	return detector.WriteReports(w, reports, fo)
}

// RenderViolation writes the memory-safety report.
func RenderViolation(w io.Writer, v *monitor.Violation, opts RenderOptions) error {
	report := v.Format(opts.TestMode)
	if opts.Color {
		first, rest, _ := strings.Cut(report, "\n")
		report = headerStyle.Render(first) + "\n" + rest
	}
	if _, err := io.WriteString(w, report); err != nil {
		return err
	}
	if !opts.Snippet || len(v.Stack) == 0 || v.Stack[0].Line == 0 {
		return nil
	}
	loc := v.Stack[0]
	snippet, ok := sourceLine(filepath.Join(opts.SourceDir, loc.File), loc.Line)
	if !ok {
		return nil
	}
	if opts.Color {
		snippet = highlight(loc.File, snippet)
	}
	_, err := fmt.Fprintf(w, "%5d | %s\n", loc.Line, snippet)
	return err
}

func sourceLine(path string, line int) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	lines := strings.Split(string(data), "\n")
	if line < 1 || line > len(lines) {
		return "", false
	}
	return strings.TrimRight(lines[line-1], "\r"), true
}

// highlight colors one line of source for a terminal. It returns the
// line unchanged when no lexer fits.
func highlight(file, code string) string {
	lexer := lexers.Match(file)
	if lexer == nil {
		lexer = lexers.Get("c")
	}
	if lexer == nil {
		return code
	}
	lexer = chroma.Coalesce(lexer)
	style := styles.Get("monokai")
	if style == nil {
		style = styles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Coverage table columns.
// asciiBorder draws the table with +, - and | only.
var asciiBorder = lipgloss.Border{
	Top:          "-",
	Bottom:       "-",
	Left:         "|",
	Right:        "|",
	TopLeft:      "+",
	TopRight:     "+",
	BottomLeft:   "+",
	BottomRight:  "+",
	MiddleLeft:   "+",
	MiddleRight:  "+",
	Middle:       "+",
	MiddleTop:    "+",
	MiddleBottom: "+",
}

var coverageHeaders = []string{
	"File", "% Funcs", "Uncovered Funcs", "% Branch", "Uncovered Branches", "% Lines", "Uncovered lines",
}

// RenderCoverage writes the coverage table.
func RenderCoverage(w io.Writer, files []monitor.FileCoverage, opts RenderOptions) error {
	if len(files) == 0 {
		return nil
	}
	_, err := io.WriteString(w, CoverageTable(files, opts)+"\n")
	return err
}

// CoverageTable renders one row per file. Uncovered lists keep their
// first ListLimit entries and are prefixed with "..." when cut.
func CoverageTable(files []monitor.FileCoverage, opts RenderOptions) string {
	limit := opts.ListLimit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows := make([][]string, 0, len(files))
	for i := range files {
		f := &files[i]
		branches := make([]string, len(f.UncoveredBranches))
		for j, e := range f.UncoveredBranches {
			branches[j] = e.String()
		}
		rows = append(rows, []string{
			f.File,
			fmt.Sprintf("%.2f", f.FuncPercent()),
			joinLimited(ints(f.UncoveredFuncs), limit),
			fmt.Sprintf("%.2f", f.BranchPercent()),
			joinLimited(branches, limit),
			fmt.Sprintf("%.2f", f.LinePercent()),
			joinLimited(ints(f.UncoveredLines), limit),
		})
	}

	t := table.New().
		Border(asciiBorder).
		Headers(coverageHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Left)
			if !opts.Color {
				return s
			}
			switch {
			case row == table.HeaderRow:
				return s.Inherit(titleStyle)
			case col == 2 || col == 4 || col == 6:
				return s.Inherit(uncoveredStyle)
			}
			return s
		})
	if opts.Color {
		t = t.BorderStyle(borderStyle)
	}
	return t.String()
}

func writeCoverageFile(path string, files []monitor.FileCoverage, opts RenderOptions) error {
	if err := os.WriteFile(path, []byte(CoverageTable(files, opts)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write coverage file: %w", err)
	}
	return nil
}

func ints(xs []int) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = fmt.Sprint(x)
	}
	return out
}

func joinLimited(items []string, limit int) string {
	if len(items) <= limit {
		return strings.Join(items, ",")
	}
	return "..." + strings.Join(items[:limit], ",")
}

// RenderExploration writes the symbolic summary and one block per path,
// ordered by path id:
//
//	[SYMBOLIC] explored 2 paths
//	path #0: exit 0
//	    inputs      = j=0
//	    constraints = (j != 123214125)
func RenderExploration(w io.Writer, exp *symbolic.Exploration, opts RenderOptions) error {
	var b strings.Builder
	header := fmt.Sprintf("[SYMBOLIC] explored %d paths", len(exp.Paths))
	if exp.Pending > 0 || exp.Abandoned > 0 {
		header += fmt.Sprintf(" (%d pending, %d abandoned)", exp.Pending, exp.Abandoned)
	}
	if opts.Color {
		header = headerStyle.Render(header)
	}
	b.WriteString(header + "\n")

	for _, p := range exp.Paths {
		fmt.Fprintf(&b, "path #%d: exit %d", p.ID, p.ExitCode)
		if p.Incomplete {
			b.WriteString(" (incomplete)")
		}
		b.WriteString("\n")
		inputs := p.Inputs.String()
		if inputs == "" {
			inputs = "-"
		}
		fmt.Fprintf(&b, "    inputs      = %s\n", inputs)
		constraints, err := symbolic.DecodeAll(p.Constraints)
		if err != nil {
			return fmt.Errorf("path #%d: %w", p.ID, err)
		}
		fmt.Fprintf(&b, "    constraints = %s\n", symbolic.Conjunction(constraints))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// RenderCampaign writes the fuzzing summary and one block per distinct
// crash:
//
//	[FUZZ] 1,204 runs, 3 new paths, 9 counters covered, 1 crashes
//	crash #1: exit 139, 3 B minimized to 1 B
//	    input     = 616263
//	    minimized = 9E
//	    saved     = crashes/1.crash
//
// TestMode leaves out the run count and timing, which depend on
// scheduling.
func RenderCampaign(w io.Writer, c *fuzz.Campaign, opts RenderOptions) error {
	var b strings.Builder
	header := "[FUZZ] "
	if !opts.TestMode {
		header += fmt.Sprintf("%s runs in %s, ", humanize.Comma(int64(c.Runs)), c.Duration.Round(time.Millisecond))
	}
	header += fmt.Sprintf("%d new paths, %d counters covered, %d crashes", c.NewPaths, c.Covered, len(c.Crashes))
	if c.Pending > 0 && !opts.TestMode {
		header += fmt.Sprintf(" (%d seeds pending)", c.Pending)
	}
	if opts.Color {
		header = headerStyle.Render(header)
	}
	b.WriteString(header + "\n")

	for _, cr := range c.Crashes {
		fmt.Fprintf(&b, "crash #%d: exit %d, %s minimized to %s\n", cr.ID, cr.ExitCode,
			humanize.Bytes(uint64(len(cr.Input))), humanize.Bytes(uint64(len(cr.Minimized))))
		fmt.Fprintf(&b, "    input     = %X\n", cr.Input)
		fmt.Fprintf(&b, "    minimized = %X\n", cr.Minimized)
		if cr.Path != "" {
			fmt.Fprintf(&b, "    saved     = %s\n", cr.Path)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
