package part

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidName is returned for malformed part names.
var ErrInvalidName = errors.New("part: invalid part name")

// AllPartition is the partition ID of tables without a partition expression.
const AllPartition = "all"

// Name identifies a part: <partition>_<minBlock>_<maxBlock>_<level>.
type Name struct {
	Partition string
	MinBlock  uint64
	MaxBlock  uint64
	Level     uint32
}

// NewInsertName names a freshly inserted level-0 part.
func NewInsertName(partition string, block uint64) Name {
	return Name{Partition: partition, MinBlock: block, MaxBlock: block}
}

// ParseName parses a part name.
func ParseName(s string) (Name, error) {
	fields := strings.Split(s, "_")
	if len(fields) != 4 || fields[0] == "" {
		return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	minBlock, err1 := strconv.ParseUint(fields[1], 10, 64)
	maxBlock, err2 := strconv.ParseUint(fields[2], 10, 64)
	level, err3 := strconv.ParseUint(fields[3], 10, 32)
	if err := errors.Join(err1, err2, err3); err != nil {
		return Name{}, fmt.Errorf("%w: %q: %v", ErrInvalidName, s, err)
	}
	if minBlock > maxBlock {
		return Name{}, fmt.Errorf("%w: %q: min block above max block", ErrInvalidName, s)
	}
	return Name{Partition: fields[0], MinBlock: minBlock, MaxBlock: maxBlock, Level: uint32(level)}, nil
}

func (n Name) String() string {
	return fmt.Sprintf("%s_%d_%d_%d", n.Partition, n.MinBlock, n.MaxBlock, n.Level)
}

// Contains reports whether n covers every block of other.
func (n Name) Contains(other Name) bool {
	return n.Partition == other.Partition && n.MinBlock <= other.MinBlock && n.MaxBlock >= other.MaxBlock
}

// MergedName names the part produced by merging sources. All sources must
// belong to the same partition.
func MergedName(sources []Name) (Name, error) {
	if len(sources) == 0 {
		return Name{}, fmt.Errorf("%w: no sources", ErrInvalidName)
	}
	out := sources[0]
	for _, s := range sources[1:] {
		if s.Partition != out.Partition {
			return Name{}, fmt.Errorf("%w: sources span partitions %q and %q", ErrInvalidName, out.Partition, s.Partition)
		}
		out.MinBlock = min(out.MinBlock, s.MinBlock)
		out.MaxBlock = max(out.MaxBlock, s.MaxBlock)
		out.Level = max(out.Level, s.Level)
	}
	out.Level++
	return out, nil
}

var plainPartitionID = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// PartitionID derives a partition ID from the values of the partition
// expression. Short simple values are used as-is, anything else is hashed.
func PartitionID(values []Value) string {
	if len(values) == 0 {
		return AllPartition
	}
	if len(values) == 1 {
		v := values[0]
		switch v.Type {
		case TypeInt64, TypeDateTime:
			return strconv.FormatInt(v.I, 10)
		case TypeString:
			if plainPartitionID.MatchString(v.S) && v.S != AllPartition {
				return v.S
			}
		}
	}
	d := xxhash.New()
	for _, v := range values {
		writeValue(d, v)
	}
	return fmt.Sprintf("%016x", d.Sum64())
}
