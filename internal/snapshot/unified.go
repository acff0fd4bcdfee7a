package snapshot

import (
	"bytes"
	"encoding/json"
	"strings"
)

// UnifiedDiff renders a line diff of the two snapshots pretty-printed. Blank
// input is treated as an empty object.
func UnifiedDiff(leftLabel, leftJSON, rightLabel, rightJSON string) string {
	left := strings.Split(pretty(leftJSON), "\n")
	right := strings.Split(pretty(rightJSON), "\n")

	// lcs[i][j] is the longest common subsequence of left[i:] and right[j:].
	lcs := make([][]int, len(left)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(right)+1)
	}
	for i := len(left) - 1; i >= 0; i-- {
		for j := len(right) - 1; j >= 0; j-- {
			if left[i] == right[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	var b strings.Builder
	b.WriteString("--- " + leftLabel + "\n")
	b.WriteString("+++ " + rightLabel + "\n")
	b.WriteString("@@ JSON Snapshot @@\n")
	i, j := 0, 0
	for i < len(left) && j < len(right) {
		switch {
		case left[i] == right[j]:
			b.WriteString(" " + left[i] + "\n")
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			b.WriteString("-" + left[i] + "\n")
			i++
		default:
			b.WriteString("+" + right[j] + "\n")
			j++
		}
	}
	for ; i < len(left); i++ {
		b.WriteString("-" + left[i] + "\n")
	}
	for ; j < len(right); j++ {
		b.WriteString("+" + right[j] + "\n")
	}
	return b.String()
}

func pretty(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "{}"
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(raw), "", "  "); err != nil {
		return raw
	}
	return out.String()
}
