package part

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		in      string
		want    Name
		wantErr bool
	}{
		{in: "all_0_0_0", want: Name{Partition: "all"}},
		{in: "202001_3_9_2", want: Name{Partition: "202001", MinBlock: 3, MaxBlock: 9, Level: 2}},
		{in: "all_5_1_0", wantErr: true},
		{in: "all_0_0", wantErr: true},
		{in: "_0_0_0", wantErr: true},
		{in: "all_x_0_0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseName(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidName) {
					t.Errorf("ParseName(%q) error = %v, want ErrInvalidName", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseName(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseName(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestMergedName(t *testing.T) {
	got, err := MergedName([]Name{
		{Partition: "p", MinBlock: 4, MaxBlock: 4},
		{Partition: "p", MinBlock: 1, MaxBlock: 2, Level: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "p_1_4_4", got.String())
	assert.True(t, got.Contains(Name{Partition: "p", MinBlock: 2, MaxBlock: 2}))

	_, err = MergedName([]Name{{Partition: "a"}, {Partition: "b"}})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = MergedName(nil)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestPartitionID(t *testing.T) {
	assert.Equal(t, AllPartition, PartitionID(nil))
	assert.Equal(t, "202010", PartitionID([]Value{Int(202010)}))
	assert.Equal(t, "eu-west", PartitionID([]Value{Str("eu-west")}))

	hashed := PartitionID([]Value{Str("has space")})
	assert.Len(t, hashed, 16)
	assert.Equal(t, hashed, PartitionID([]Value{Str("has space")}))
	assert.NotEqual(t, hashed, PartitionID([]Value{Str("has spaces")}))
	assert.NotEqual(t, AllPartition, PartitionID([]Value{Str(AllPartition)}))
}

func TestCoerce(t *testing.T) {
	ts := time.Date(2000, 10, 10, 12, 0, 0, 0, time.UTC)

	v, err := Coerce(TypeDateTime, ts)
	require.NoError(t, err)
	assert.Equal(t, ts, v.Time())

	v, err = Coerce(TypeInt64, uint64(42))
	require.NoError(t, err)
	assert.Equal(t, Int(42), v)

	v, err = Coerce(TypeFloat64, int64(3))
	require.NoError(t, err)
	assert.Equal(t, Float(3), v)

	_, err = Coerce(TypeString, int64(1))
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestSortRowsAndChecksum(t *testing.T) {
	a := []Row{
		{Str("k2"), Int(1)},
		{Str("k1"), Int(5)},
		{Str("k1"), Int(2)},
	}
	b := []Row{
		{Str("k1"), Int(5)},
		{Str("k1"), Int(2)},
		{Str("k2"), Int(1)},
	}
	SortRows(a, []int{0})
	SortRows(b, []int{0})
	assert.Equal(t, a, b)
	assert.Equal(t, Int(2), a[0][1])
	assert.Equal(t, Checksum(a), Checksum(b))

	b[2][1] = Int(9)
	assert.NotEqual(t, Checksum(a), Checksum(b))
}

func TestArchiveRoundTripAllCodecs(t *testing.T) {
	rows := []Row{
		{DateTime(time.Unix(971136000, 0)), Int(1), Str("x"), Float(0.5)},
		{DateTime(time.Unix(971222400, 0)), Int(2), Str(""), Float(-1)},
	}
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecLZ4, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			data, err := EncodeArchive(rows, codec)
			require.NoError(t, err)
			assert.Equal(t, byte(codec), data[5])

			got, err := DecodeArchive(data)
			require.NoError(t, err)
			assert.Equal(t, rows, got)
		})
	}
}

func TestDecodeArchive_Corrupt(t *testing.T) {
	_, err := DecodeArchive([]byte("nope"))
	assert.ErrorIs(t, err, ErrCorruptArchive)

	data, err := EncodeArchive([]Row{{Int(1)}}, CodecZstd)
	require.NoError(t, err)
	data[4] = 99
	_, err = DecodeArchive(data)
	assert.ErrorIs(t, err, ErrCorruptArchive)
}

func TestMetaDeactivate(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &Meta{Name: "all_0_0_0", Active: true}
	m.Deactivate(7, now)

	data, err := EncodeMeta(m)
	require.NoError(t, err)
	got, err := DecodeMeta(data)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, uint64(7), got.SupersededBy)
	assert.True(t, now.Equal(got.InactiveSince))
}
