// Package results recognises sub-result markers in test output.
//
// A marker is a single line of the form
//
//	RESULT|<name>|<VERDICT>|<reason>
//
// The reason is optional and may itself contain the delimiter. Verdict
// tokens are case-insensitive. Lines without the prefix are not markers.
package results

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

const (
	Prefix    = "RESULT|"
	Delimiter = "|"
)

// Verdict is the outcome of one sub-result.
type Verdict string

const (
	Pass  Verdict = "PASS"
	Fail  Verdict = "FAIL"
	Skip  Verdict = "SKIP"
	Error Verdict = "ERROR"
)

var verdictTokens = map[string]Verdict{
	"PASS":    Pass,
	"PASSED":  Pass,
	"FAIL":    Fail,
	"FAILED":  Fail,
	"SKIP":    Skip,
	"SKIPPED": Skip,
	"ERROR":   Error,
}

// SubResult is one named outcome reported by the test process. Anomaly is
// set when the marker was malformed and the verdict was forced to ERROR.
type SubResult struct {
	Seq     uint64  `json:"seq"`
	Name    string  `json:"name"`
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
	Source  string  `json:"source,omitempty"`
	Anomaly bool    `json:"anomaly,omitempty"`
}

// Tally counts sub-results by verdict.
type Tally struct {
	Pass  int `json:"pass"`
	Fail  int `json:"fail"`
	Skip  int `json:"skip"`
	Error int `json:"error"`
}

func (t *Tally) add(v Verdict) {
	switch v {
	case Pass:
		t.Pass++
	case Fail:
		t.Fail++
	case Skip:
		t.Skip++
	default:
		t.Error++
	}
}

// Count tallies an already parsed list.
func Count(subs []SubResult) Tally {
	var t Tally
	for _, s := range subs {
		t.add(s.Verdict)
	}
	return t
}

func (t Tally) Total() int { return t.Pass + t.Fail + t.Skip + t.Error }

// Failed reports whether any sub-result failed or errored.
func (t Tally) Failed() bool { return t.Fail > 0 || t.Error > 0 }

// Tokenize splits a marker line into its fields. ok is false when the line
// is not a marker at all; the prefix must start the line. A marker that does
// not carry a usable name and a known verdict token comes back with Verdict
// ERROR and Anomaly set.
func Tokenize(line string) (r SubResult, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	rest, found := strings.CutPrefix(line, Prefix)
	if !found {
		return SubResult{}, false
	}
	anomaly := SubResult{Verdict: Error, Reason: line, Anomaly: true}

	fields := strings.SplitN(rest, Delimiter, 3)
	if len(fields) < 2 {
		return anomaly, true
	}
	name := strings.TrimSpace(fields[0])
	if name == "" {
		return anomaly, true
	}
	anomaly.Name = name

	v, known := verdictTokens[strings.ToUpper(strings.TrimSpace(fields[1]))]
	if !known {
		return anomaly, true
	}
	r = SubResult{Name: name, Verdict: v}
	if len(fields) == 3 {
		r.Reason = fields[2]
	}
	return r, true
}

// Parser assigns sequence numbers to markers in arrival order and keeps a
// live tally. It is not safe for concurrent use; feed it from one consumer.
type Parser struct {
	seq   uint64
	tally Tally
}

func NewParser() *Parser { return &Parser{} }

// Feed parses one output line. The second return value is false for lines
// that are not markers.
func (p *Parser) Feed(line, source string) (SubResult, bool) {
	r, ok := Tokenize(line)
	if !ok {
		return SubResult{}, false
	}
	p.seq++
	r.Seq = p.seq
	r.Source = source
	p.tally.add(r.Verdict)
	return r, true
}

func (p *Parser) Tally() Tally { return p.tally }

// Scan lazily parses lines as they are pulled from the returned sequence.
// The sequence is single-use: its parser state is not reset between
// iterations.
func Scan(lines iter.Seq[string]) iter.Seq[SubResult] {
	p := NewParser()
	return func(yield func(SubResult) bool) {
		for line := range lines {
			r, ok := p.Feed(line, "")
			if !ok {
				continue
			}
			if !yield(r) {
				return
			}
		}
	}
}

// Replay re-parses a captured log. Parsing the same log twice yields the
// same list. Captured logs do not record the source channel.
func Replay(r io.Reader) ([]SubResult, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)

	var out []SubResult
	lines := func(yield func(string) bool) {
		for sc.Scan() {
			if !yield(sc.Text()) {
				return
			}
		}
	}
	for res := range Scan(lines) {
		out = append(out, res)
	}
	return out, sc.Err()
}
