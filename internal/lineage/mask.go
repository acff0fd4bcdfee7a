// Package lineage extracts table references from SQL text and resolves them
// against the metadata catalog. It also builds table-level lineage graphs.
package lineage

type scanState int

const (
	stateCode scanState = iota
	stateSingle
	stateDouble
	stateLineComment
	stateBlockComment
)

// Mask returns sql with string literal bodies and comments replaced by spaces.
// Quote characters and newlines are kept and the result has the same byte
// length as sql, so offsets found in the masked text index the original.
func Mask(sql string) string {
	out := []byte(sql)
	state := stateCode
	n := len(out)
	blank := func(i int) {
		if out[i] != '\n' && out[i] != '\r' {
			out[i] = ' '
		}
	}
	for i := 0; i < n; i++ {
		c := sql[i]
		switch state {
		case stateCode:
			switch {
			case c == '\'':
				state = stateSingle
			case c == '"':
				state = stateDouble
			case c == '-' && i+1 < n && sql[i+1] == '-':
				state = stateLineComment
				blank(i)
				blank(i + 1)
				i++
			case c == '#':
				state = stateLineComment
				blank(i)
			case c == '/' && i+1 < n && sql[i+1] == '*':
				state = stateBlockComment
				blank(i)
				blank(i + 1)
				i++
			}
		case stateSingle, stateDouble:
			quote := byte('\'')
			if state == stateDouble {
				quote = '"'
			}
			switch {
			case c == '\\' && i+1 < n:
				blank(i)
				blank(i + 1)
				i++
			case c == quote && i+1 < n && sql[i+1] == quote:
				blank(i)
				blank(i + 1)
				i++
			case c == quote:
				state = stateCode
			default:
				blank(i)
			}
		case stateLineComment:
			if c == '\n' {
				state = stateCode
				continue
			}
			blank(i)
		case stateBlockComment:
			if c == '*' && i+1 < n && sql[i+1] == '/' {
				blank(i)
				blank(i + 1)
				i++
				state = stateCode
				continue
			}
			blank(i)
		}
	}
	return string(out)
}
