package analyzer

import (
	"strconv"
	"strings"
)

// Kind classifies one finding extracted from log text.
type Kind string

const (
	KindError      Kind = "error"
	KindStackFrame Kind = "stack-frame"
	KindWarning    Kind = "warning"
	KindInfo       Kind = "info"
)

// Verdict is the coarse summary of an analysis.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictWarn    Verdict = "warn"
	VerdictFail    Verdict = "fail"
	VerdictUnknown Verdict = "unknown"
)

// Finding is one classified unit of signal from the log, in first-seen order.
type Finding struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Rule    string `json:"rule"`
	Repeat  int    `json:"repeat,omitempty"` // >1 when consecutive identical findings were coalesced
}

// Result is the full outcome of analyzing one log text.
type Result struct {
	Findings   []Finding `json:"findings"`
	Verdict    Verdict   `json:"verdict"`
	Confidence float64   `json:"confidence"`
}

// Analyzer classifies log text against an immutable ordered pattern table.
// Analyze is a pure function of its input: no I/O, no retained state, safe
// for concurrent use from any number of workers.
type Analyzer struct {
	patterns  []linePattern
	lookahead int
}

// frameLookahead bounds how many lines after an error line stack frames are
// still attached to that error instead of emitted standalone.
const frameLookahead = 10

// New builds an Analyzer from the default pattern table plus any extra
// config-supplied patterns, appended after the defaults.
func New(extra []PatternSpec) (*Analyzer, error) {
	patterns := defaultPatterns()
	for _, spec := range extra {
		p, err := spec.compile()
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return &Analyzer{patterns: patterns, lookahead: frameLookahead}, nil
}

// Default returns an Analyzer with only the built-in pattern table.
func Default() *Analyzer {
	return &Analyzer{patterns: defaultPatterns(), lookahead: frameLookahead}
}

func kindWeight(k Kind) float64 {
	switch k {
	case KindError:
		return 3
	case KindWarning, KindStackFrame:
		return 2
	default:
		return 1
	}
}

// Analyze scans the text line by line and produces findings, a verdict, and
// a confidence score. Deterministic: identical input yields identical output.
func (a *Analyzer) Analyze(text string) Result {
	lines := strings.Split(text, "\n")

	var (
		findings       []Finding
		nonBlank       int
		unmatched      int
		absorbedFrames int
		lastErrorIdx   = -1
		framesLeft     = 0
	)

	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonBlank++
		if framesLeft > 0 {
			framesLeft--
		}

		p, groups := a.match(line)
		if p == nil {
			unmatched++
			continue
		}

		f := buildFinding(p, line, groups)

		if f.Kind == KindStackFrame && lastErrorIdx >= 0 && lastErrorIdx == len(findings)-1 && framesLeft > 0 {
			// attach to the preceding error instead of emitting
			err := &findings[lastErrorIdx]
			if err.File == "" && f.File != "" {
				err.File = f.File
				err.Line = f.Line
			}
			absorbedFrames++
			continue
		}

		// coalesce consecutive identical findings
		if n := len(findings); n > 0 && sameFinding(findings[n-1], f) {
			findings[n-1].Repeat++
			if findings[n-1].Kind == KindError {
				framesLeft = a.lookahead
			}
			continue
		}

		f.Repeat = 1
		findings = append(findings, f)

		switch f.Kind {
		case KindError:
			lastErrorIdx = len(findings) - 1
			framesLeft = a.lookahead
		case KindStackFrame:
			// standalone frame; leaves any open association window alone
		default:
			lastErrorIdx = -1
			framesLeft = 0
		}
	}

	if nonBlank == 0 {
		return Result{Verdict: VerdictUnknown, Confidence: 0}
	}

	return Result{
		Findings:   findings,
		Verdict:    deriveVerdict(findings),
		Confidence: confidence(findings, absorbedFrames, unmatched),
	}
}

func (a *Analyzer) match(line string) (*linePattern, []string) {
	for i := range a.patterns {
		p := &a.patterns[i]
		if groups := p.re.FindStringSubmatch(line); groups != nil {
			return p, groups
		}
	}
	return nil, nil
}

func buildFinding(p *linePattern, line string, groups []string) Finding {
	f := Finding{Kind: p.kind, Rule: p.name, Message: strings.TrimSpace(line)}

	if p.msgGroup > 0 && p.msgGroup < len(groups) && strings.TrimSpace(groups[p.msgGroup]) != "" {
		f.Message = strings.TrimSpace(groups[p.msgGroup])
	}
	if p.fileGroup > 0 && p.fileGroup < len(groups) {
		f.File = groups[p.fileGroup]
	}
	if p.lineGroup > 0 && p.lineGroup < len(groups) {
		if n, err := strconv.Atoi(groups[p.lineGroup]); err == nil {
			f.Line = n
		}
	}
	return f
}

func sameFinding(a, b Finding) bool {
	return a.Kind == b.Kind && a.Rule == b.Rule && a.Message == b.Message &&
		a.File == b.File && a.Line == b.Line
}

// deriveVerdict: any error fails, else any warning warns, else clean text
// passes. Findings that are only frames carry too little signal to pass or
// fail on, so they come out unknown.
func deriveVerdict(findings []Finding) Verdict {
	var warnings, infos int
	for _, f := range findings {
		switch f.Kind {
		case KindError:
			return VerdictFail
		case KindWarning:
			warnings++
		case KindInfo:
			infos++
		}
	}
	if warnings > 0 {
		return VerdictWarn
	}
	if len(findings) == 0 || infos == len(findings) {
		return VerdictPass
	}
	return VerdictUnknown
}

// confidence maps matched signal weight w against unmatched noise u into
// (w+1)/(w+1+u). The +1 prior keeps clean text above zero, and appending a
// matched line can only raise w, so the score is monotone under adding an
// unambiguous finding.
func confidence(findings []Finding, absorbedFrames, unmatched int) float64 {
	w := float64(absorbedFrames)
	for _, f := range findings {
		fw := kindWeight(f.Kind)
		if f.File != "" {
			fw++
		}
		w += fw * float64(f.Repeat)
	}
	u := 0.5 * float64(unmatched)

	c := (w + 1) / (w + 1 + u)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
