// Package progress turns an agent CLI's text output into structured
// status blocks and feeds them to a circuit breaker that decides
// whether the agent is still making forward progress.
package progress

import (
	"strconv"
	"strings"
	"time"
)

// TestsStatus is the test-run outcome reported in a status block.
type TestsStatus string

const (
	TestsPassing TestsStatus = "PASSING"
	TestsFailing TestsStatus = "FAILING"
	TestsNotRun  TestsStatus = "NOT_RUN"
)

// BlockStatus is the overall state reported in a status block.
type BlockStatus string

const (
	StatusInProgress BlockStatus = "IN_PROGRESS"
	StatusComplete   BlockStatus = "COMPLETE"
	StatusBlocked    BlockStatus = "BLOCKED"
)

// StatusBlock is a parsed ---STATUS---/---END_STATUS--- record.
type StatusBlock struct {
	Status                 BlockStatus
	TasksCompletedThisLoop int
	FilesModified          int
	TestsStatus            TestsStatus
	WorkType               string
	ExitSignal             bool
	Recommendation         string
	ParsedAt               time.Time
}

// completionIndicatorPhrases are scanned case-insensitively against
// each trimmed output line outside of a status block. One match per
// line, never more.
var completionIndicatorPhrases = []string{
	"all tests pass",
	"all tests passing",
	"task complete",
	"implementation complete",
	"successfully completed",
	"done with the implementation",
	"ready for review",
	"no further changes needed",
}

// Parser scans a Session's line-oriented text output for
// completion-indicator phrases and ---STATUS---/---END_STATUS---
// blocks. It is not safe for concurrent use; each Session owns one.
type Parser struct {
	inBlock bool
	buf     []string

	completionIndicators int
	lineBuf              strings.Builder
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends a chunk of text output (already ANSI-stripped) and
// returns any StatusBlock completed by this chunk, plus the count of
// completion-indicator lines recognized in this chunk.
func (p *Parser) Feed(chunk string) (blocks []StatusBlock, newIndicators int) {
	p.lineBuf.WriteString(chunk)
	all := p.lineBuf.String()
	lines := strings.Split(all, "\n")

	// Keep the last (possibly incomplete) line buffered for the next Feed.
	complete := lines[:len(lines)-1]
	p.lineBuf.Reset()
	p.lineBuf.WriteString(lines[len(lines)-1])

	for _, line := range complete {
		trimmed := strings.TrimSpace(line)

		if !p.inBlock && trimmed == "---STATUS---" {
			p.inBlock = true
			p.buf = p.buf[:0]
			continue
		}
		if p.inBlock {
			if trimmed == "---END_STATUS---" {
				p.inBlock = false
				if block, ok := parseBlock(p.buf); ok {
					block.ParsedAt = time.Now()
					if block.Status == StatusComplete {
						p.completionIndicators++
					}
					blocks = append(blocks, block)
				}
				p.buf = nil
				continue
			}
			p.buf = append(p.buf, trimmed)
			continue
		}

		if lineHasCompletionIndicator(trimmed) {
			p.completionIndicators++
			newIndicators++
		}
	}

	return blocks, newIndicators
}

// CompletionIndicators returns the running total observed so far,
// combining natural-language matches and COMPLETE status blocks, per
// the exit-gate's counting rule.
func (p *Parser) CompletionIndicators() int {
	return p.completionIndicators
}

func lineHasCompletionIndicator(line string) bool {
	lower := strings.ToLower(line)
	for _, phrase := range completionIndicatorPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// parseBlock turns buffered KEY: VALUE lines into a StatusBlock.
// STATUS is required; everything else defaults when absent or
// malformed. Unknown keys are silently dropped.
func parseBlock(lines []string) (StatusBlock, bool) {
	fields := make(map[string]string, len(lines))
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	rawStatus, ok := fields["STATUS"]
	if !ok {
		return StatusBlock{}, false
	}

	block := StatusBlock{
		Status:      BlockStatus(strings.ToUpper(rawStatus)),
		TestsStatus: TestsNotRun,
	}
	switch block.Status {
	case StatusInProgress, StatusComplete, StatusBlocked:
	default:
		return StatusBlock{}, false
	}

	if v, ok := fields["TASKS_COMPLETED_THIS_LOOP"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			block.TasksCompletedThisLoop = n
		}
	}
	if v, ok := fields["FILES_MODIFIED"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			block.FilesModified = n
		}
	}
	if v, ok := fields["TESTS_STATUS"]; ok {
		switch TestsStatus(strings.ToUpper(v)) {
		case TestsPassing:
			block.TestsStatus = TestsPassing
		case TestsFailing:
			block.TestsStatus = TestsFailing
		}
	}
	if v, ok := fields["WORK_TYPE"]; ok {
		block.WorkType = v
	}
	if v, ok := fields["EXIT_SIGNAL"]; ok {
		block.ExitSignal = strings.EqualFold(v, "true")
	}
	if v, ok := fields["RECOMMENDATION"]; ok {
		block.Recommendation = v
	}

	return block, true
}

// HasProgress reports whether a block shows forward motion, per the
// breaker's transition rule.
func (b StatusBlock) HasProgress() bool {
	return b.FilesModified > 0 || b.TasksCompletedThisLoop > 0
}
