package vio

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroesProducesOnlyZeroBytes(t *testing.T) {
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xff
	}
	n, err := Zeroes.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	for i, b := range buf {
		assert.Equalf(t, byte(0), b, "byte %d not zeroed", i)
	}
}

func TestZeroesHandlesEmptyBuffer(t *testing.T) {
	n, err := Zeroes.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLazyReadCloserDefersOpen(t *testing.T) {
	opened := false
	rc := LazyReadCloser(func() (io.Reader, error) {
		opened = true
		return io.LimitReader(Zeroes, 8), nil
	}, func() error {
		return nil
	})
	assert.False(t, opened, "open must not run before the first Read")

	buf := make([]byte, 8)
	n, err := rc.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.True(t, opened)
}

func TestLazyReadCloserPropagatesOpenError(t *testing.T) {
	wantErr := errors.New("open failed")
	rc := LazyReadCloser(func() (io.Reader, error) {
		return nil, wantErr
	}, func() error {
		return nil
	})
	_, err := rc.Read(make([]byte, 1))
	assert.ErrorIs(t, err, wantErr)
}

func TestLazyReadCloserCloseRunsCloseFuncOnce(t *testing.T) {
	calls := 0
	rc := LazyReadCloser(func() (io.Reader, error) {
		return Zeroes, nil
	}, func() error {
		calls++
		return nil
	})
	require.NoError(t, rc.Close())
	assert.Equal(t, 1, calls)

	_, err := rc.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	err = rc.Close()
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 1, calls, "closeFunc must not run twice")
}
