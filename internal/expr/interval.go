package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	calendarInterval = regexp.MustCompile(`(?i)([A-Za-z_][A-Za-z0-9_]*(?:\([^()]*\))?)\s*([+-])\s*INTERVAL\s+(\d+)\s+(MONTH|QUARTER|YEAR)S?\b`)
	fixedInterval    = regexp.MustCompile(`(?i)INTERVAL\s+(\d+)\s+(SECOND|MINUTE|HOUR|DAY|WEEK)S?\b`)
)

var unitSeconds = map[string]int64{
	"SECOND": 1,
	"MINUTE": 60,
	"HOUR":   3600,
	"DAY":    86400,
	"WEEK":   7 * 86400,
}

var unitMonths = map[string]int64{
	"MONTH":   1,
	"QUARTER": 3,
	"YEAR":    12,
}

// Rewrite translates INTERVAL sugar into plain CEL.
func Rewrite(src string) string {
	out := calendarInterval.ReplaceAllStringFunc(src, func(m string) string {
		g := calendarInterval.FindStringSubmatch(m)
		n, _ := strconv.ParseInt(g[3], 10, 64)
		n *= unitMonths[strings.ToUpper(g[4])]
		if g[2] == "-" {
			n = -n
		}
		return fmt.Sprintf("addMonths(%s, %d)", g[1], n)
	})
	return fixedInterval.ReplaceAllStringFunc(out, func(m string) string {
		g := fixedInterval.FindStringSubmatch(m)
		n, _ := strconv.ParseInt(g[1], 10, 64)
		return fmt.Sprintf(`duration("%ds")`, n*unitSeconds[strings.ToUpper(g[2])])
	})
}
