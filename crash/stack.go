package crash

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	crashedThreadRe = regexp.MustCompile(`Thread (\d+) Crashed:`)
	firstFrameRe    = regexp.MustCompile(`^0\s+`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// signature locates the lines that identify a crash: the crashed thread
// header with its first frame, or a Go panic line with the first goroutine
// header. It returns their indexes in lines.
func signature(lines []string) []int {
	for i, line := range lines {
		if !crashedThreadRe.MatchString(line) {
			continue
		}
		sig := []int{i}
		for j := i + 1; j < len(lines); j++ {
			if firstFrameRe.MatchString(strings.TrimSpace(lines[j])) {
				sig = append(sig, j)
				break
			}
		}
		return sig
	}

	for i, line := range lines {
		if !strings.HasPrefix(line, "panic: ") {
			continue
		}
		sig := []int{i}
		for j := i + 1; j < len(lines); j++ {
			if strings.HasPrefix(lines[j], "goroutine ") {
				sig = append(sig, j)
				break
			}
		}
		return sig
	}
	return nil
}

// Truncate shortens trace to limit bytes. The crash signature is moved to
// the front, the remaining lines follow in order, and the result is cut at
// the limit. The cut never splits a UTF-8 sequence, so up to 3 bytes short
// of limit.
func Truncate(trace string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(trace) <= limit {
		return trace
	}

	lines := strings.Split(trace, "\n")
	sig := signature(lines)
	if len(sig) == 0 {
		return cutUTF8(trace, limit)
	}

	inSig := make(map[int]bool, len(sig))
	ordered := make([]string, 0, len(lines))
	for _, i := range sig {
		inSig[i] = true
		ordered = append(ordered, lines[i])
	}
	for i, line := range lines {
		if !inSig[i] {
			ordered = append(ordered, line)
		}
	}
	return cutUTF8(strings.Join(ordered, "\n"), limit)
}

func cutUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	i := limit
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

// ExtractMessage summarises a crash for exception.message. Apple-format
// reports yield "Crash detected on thread N at <frame>", Go reports yield
// their panic line.
func ExtractMessage(trace string) string {
	lines := strings.Split(trace, "\n")

	for i, line := range lines {
		m := crashedThreadRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		for _, next := range lines[i+1:] {
			frame := strings.TrimSpace(next)
			if !firstFrameRe.MatchString(frame) {
				continue
			}
			frame = strings.TrimSpace(whitespaceRe.ReplaceAllString(frame[1:], " "))
			return "Crash detected on thread " + m[1] + " at " + frame
		}
		break
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "panic: ") {
			return strings.TrimSpace(line)
		}
	}
	return "Crash detected at unknown location"
}
