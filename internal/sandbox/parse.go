package sandbox

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	collectedRe = regexp.MustCompile(`collected (\d+) items?`)
	passedRe    = regexp.MustCompile(`(\d+) passed`)
	failedRe    = regexp.MustCompile(`(\d+) failed`)
	testNodeRe  = regexp.MustCompile(`::test_\w+`)
)

// TestSummary is the result of parsing a test runner's combined
// stdout+stderr into pass/fail counts.
type TestSummary struct {
	TestsCollected int
	TestsPassed    int
	TestsFailed    int
}

// ParseOutput tries the "collected N items" + "X passed" + "Y failed"
// pattern first; if collected/passed markers are both absent, it falls
// back to counting bare "::test_*" node-id occurrences and treats them all
// as passed when no explicit failure marker appears anywhere in output.
func ParseOutput(output string) TestSummary {
	var summary TestSummary

	collectedMatch := collectedRe.FindStringSubmatch(output)
	passedMatch := passedRe.FindStringSubmatch(output)
	failedMatch := failedRe.FindStringSubmatch(output)

	if collectedMatch != nil || passedMatch != nil {
		if collectedMatch != nil {
			summary.TestsCollected = atoi(collectedMatch[1])
		}
		if passedMatch != nil {
			summary.TestsPassed = atoi(passedMatch[1])
		}
		if failedMatch != nil {
			summary.TestsFailed = atoi(failedMatch[1])
		}
		if summary.TestsCollected == 0 {
			summary.TestsCollected = summary.TestsPassed + summary.TestsFailed
		}
		return summary
	}

	nodes := testNodeRe.FindAllString(output, -1)
	if len(nodes) == 0 {
		return summary
	}
	summary.TestsCollected = len(nodes)
	if strings.Contains(strings.ToLower(output), "fail") {
		return summary
	}
	summary.TestsPassed = len(nodes)
	return summary
}

// PassRate returns TestsPassed/TestsCollected, or 0 when nothing ran.
func (s TestSummary) PassRate() float64 {
	if s.TestsCollected == 0 {
		return 0
	}
	return float64(s.TestsPassed) / float64(s.TestsCollected)
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
