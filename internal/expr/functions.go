package expr

import (
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

func functions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("addMonths",
			cel.Overload("addMonths_timestamp_int",
				[]*cel.Type{cel.TimestampType, cel.IntType}, cel.TimestampType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					ts, ok := lhs.(types.Timestamp)
					if !ok {
						return types.MaybeNoSuchOverloadErr(lhs)
					}
					n, ok := rhs.(types.Int)
					if !ok {
						return types.MaybeNoSuchOverloadErr(rhs)
					}
					return types.Timestamp{Time: addMonths(ts.Time, int(n))}
				}),
			),
		),
		cel.Function("toYYYYMM",
			cel.Overload("toYYYYMM_timestamp",
				[]*cel.Type{cel.TimestampType}, cel.IntType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					ts, ok := v.(types.Timestamp)
					if !ok {
						return types.MaybeNoSuchOverloadErr(v)
					}
					t := ts.UTC()
					return types.Int(t.Year()*100 + int(t.Month()))
				}),
			),
		),
		cel.Function("toYYYYMMDD",
			cel.Overload("toYYYYMMDD_timestamp",
				[]*cel.Type{cel.TimestampType}, cel.IntType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					ts, ok := v.(types.Timestamp)
					if !ok {
						return types.MaybeNoSuchOverloadErr(v)
					}
					t := ts.UTC()
					return types.Int(t.Year()*10000 + int(t.Month())*100 + t.Day())
				}),
			),
		),
	}
}

// addMonths shifts t by n calendar months, clamping the day to the length
// of the target month (Jan 31 + 1 month = Feb 28/29).
func addMonths(t time.Time, n int) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	first := time.Date(y, m, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC).AddDate(0, n, 0)
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(d, last)-1)
}
