package lineage

import (
	"regexp"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
)

var (
	riskKeywordPattern = regexp.MustCompile(`(?i)\b(drop|truncate|delete|update|insert|replace|merge|alter)\b`)
	firstWordPattern   = regexp.MustCompile(`^[A-Za-z]+`)
)

// destructiveTypes are statement types that remove data or structure.
var destructiveTypes = map[string]struct{}{
	"DROP":     {},
	"TRUNCATE": {},
	"DELETE":   {},
	"ALTER":    {},
}

// SplitStatements splits sql on ';' outside literals and comments. Empty
// statements are dropped.
func SplitStatements(sql string) []models.Statement {
	masked := Mask(sql)
	var out []models.Statement
	start := 0
	for i := 0; i <= len(masked); i++ {
		if i < len(masked) && masked[i] != ';' {
			continue
		}
		text := strings.TrimSpace(sql[start:i])
		body := strings.TrimSpace(masked[start:i])
		start = i + 1
		if body == "" {
			continue
		}
		out = append(out, models.Statement{
			Text:  text,
			Type:  strings.ToUpper(firstWordPattern.FindString(body)),
			Risky: riskKeywordPattern.MatchString(body),
		})
	}
	return out
}

// IsDestructive reports whether the statement drops, truncates, deletes or alters.
func IsDestructive(s models.Statement) bool {
	_, ok := destructiveTypes[s.Type]
	return ok
}
