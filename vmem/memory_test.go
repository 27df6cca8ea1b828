package vmem

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(t *testing.T) *Image {
	t.Helper()
	img := NewImage(DefaultMemSpecs(ArchX86_64))
	img.Map(0x1000, []byte{
		0xff, 0xfe, 0x34, 0x12, 0x78, 0x56, 0x34, 0x12,
		0x00, 0x00, 0x80, 0x3f, 0xef, 0xbe, 0xad, 0xde,
	}, "test")
	return img
}

func TestReadUint(t *testing.T) {
	img := testImage(t)
	tests := []struct {
		addr uint64
		size int
		want uint64
	}{
		{0x1000, 1, 0xff},
		{0x1002, 2, 0x1234},
		{0x1004, 4, 0x12345678},
		{0x1008, 8, 0xdeadbeef3f800000},
	}
	for _, test := range tests {
		got, err := ReadUint(img, test.addr, test.size)
		require.NoError(t, err)
		if got != test.want {
			t.Errorf("ReadUint(0x%x, %d)=0x%x want 0x%x", test.addr, test.size, got, test.want)
		}
	}

	i, err := ReadInt(img, 0x1000, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(-257), i)

	f, err := ReadFloat32(img, 0x1008)
	require.NoError(t, err)
	assert.Equal(t, float32(1.0), f)

	_, err = ReadUint(img, 0x1000, 3)
	assert.Error(t, err)
}

func TestAccessError(t *testing.T) {
	img := testImage(t)
	_, err := ReadUint(img, 0x100c, 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAccess), "errors.Is(%v, ErrAccess)", err)

	var ae *AccessError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, uint64(0x100c), ae.Addr)

	assert.True(t, img.SafeSeek(0x100f))
	assert.False(t, img.SafeSeek(0x1010))
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		u    uint64
		size int
		want int64
	}{
		{0xff, 1, -1},
		{0x7f, 1, 127},
		{0x8000, 2, -32768},
		{0xffffffff, 4, -1},
		{0xffffffffffffffff, 8, -1},
	}
	for _, test := range tests {
		if got := SignExtend(test.u, test.size); got != test.want {
			t.Errorf("SignExtend(0x%x, %d)=%d want %d", test.u, test.size, got, test.want)
		}
	}
}
