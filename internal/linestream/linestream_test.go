package linestream

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAllLines(t *testing.T, s *LineStream) ([]string, error) {
	t.Helper()
	var lines []string
	for {
		if err := s.WaitForLine(context.Background(), time.Second); err != nil {
			return lines, err
		}
		for s.MoreLinesInBuffer() {
			line, err := s.ReadLine(false)
			require.NoError(t, err)
			lines = append(lines, string(line))
		}
	}
}

func TestLineStream_CompleteLinesThenPartialTail(t *testing.T) {
	// Arrange
	input := "+OK ready\r\nline two\r\n\r\nlast one\r\npartial"
	s := New(strings.NewReader(input))
	defer s.Close()

	// Act
	lines, err := readAllLines(t, s)

	// Assert
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, []string{"+OK ready", "line two", "", "last one"}, lines)
	assert.True(t, s.IsEOF())
	assert.Equal(t, len("partial"), s.NumBytesAvailable())
}

func TestLineStream_EOFIsSticky(t *testing.T) {
	// Arrange
	s := New(strings.NewReader("only\r\n"))
	defer s.Close()
	_, err := readAllLines(t, s)
	require.ErrorIs(t, err, ErrDisconnected)

	// Act
	err = s.WaitForLine(context.Background(), time.Second)

	// Assert
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestLineStream_IncludeNewline(t *testing.T) {
	// Arrange
	s := New(strings.NewReader("a\r\nb\r\n"))
	defer s.Close()
	require.NoError(t, s.WaitForLine(context.Background(), time.Second))

	// Act
	first, err1 := s.ReadLine(true)
	second, err2 := s.ReadLine(false)

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, "a\r\n", string(first))
	assert.Equal(t, "b", string(second))
}

func TestLineStream_CRLFModeIgnoresBareLF(t *testing.T) {
	// Arrange
	s := New(strings.NewReader("one\ntwo\r\n"))
	defer s.Close()

	// Act
	lines, err := readAllLines(t, s)

	// Assert
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, []string{"one\ntwo"}, lines)
}

func TestLineStream_AutoNewlineMode(t *testing.T) {
	// Arrange
	s := New(strings.NewReader("one\ntwo\rthree\r\nfour\r"), WithNewlineMode(NewlineAuto))
	defer s.Close()

	// Act
	lines, err := readAllLines(t, s)

	// Assert
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, []string{"one", "two", "three", "four"}, lines)
}

func TestLineStream_AutoModeWaitsForLFAfterTrailingCR(t *testing.T) {
	// Arrange
	pr, pw := io.Pipe()
	s := New(pr, WithNewlineMode(NewlineAuto))
	defer s.Close()
	go func() {
		_, _ = pw.Write([]byte("hello\r"))
		time.Sleep(20 * time.Millisecond)
		_, _ = pw.Write([]byte("\nworld\r\n"))
	}()

	// Act
	require.NoError(t, s.WaitForLine(context.Background(), time.Second))
	first, err := s.ReadLine(true)
	require.NoError(t, err)
	require.NoError(t, s.WaitForLine(context.Background(), time.Second))
	second, err := s.ReadLine(false)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "hello\r\n", string(first))
	assert.Equal(t, "world", string(second))
}

func TestLineStream_LineTooLong(t *testing.T) {
	// Arrange
	s := New(strings.NewReader(strings.Repeat("x", 64)), WithMaxLineLength(16))
	defer s.Close()

	// Act
	err := s.WaitForLine(context.Background(), time.Second)
	_, readErr := s.ReadLine(false)

	// Assert
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.ErrorIs(t, readErr, ErrLineTooLong)
}

func TestLineStream_TerminatedLineOverLimit(t *testing.T) {
	// Arrange
	s := New(strings.NewReader(strings.Repeat("y", 20)+"\r\n"), WithMaxLineLength(16))
	defer s.Close()

	// Act
	err := s.WaitForLine(context.Background(), time.Second)

	// Assert
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestLineStream_TimeoutIsNotSticky(t *testing.T) {
	// Arrange
	pr, pw := io.Pipe()
	s := New(pr)
	defer s.Close()

	// Act
	timeoutErr := s.WaitForLine(context.Background(), 20*time.Millisecond)
	go func() {
		_, _ = pw.Write([]byte("late\r\n"))
	}()
	err := s.WaitForLine(context.Background(), time.Second)

	// Assert
	assert.ErrorIs(t, timeoutErr, ErrTimeout)
	require.NoError(t, err)
	line, err := s.ReadLine(false)
	require.NoError(t, err)
	assert.Equal(t, "late", string(line))
}

func TestLineStream_SetTimeoutExtendsWait(t *testing.T) {
	// Arrange
	pr, pw := io.Pipe()
	s := New(pr)
	defer s.Close()
	go func() {
		for !s.Waiting() {
			time.Sleep(time.Millisecond)
		}
		s.SetTimeout(time.Second)
		time.Sleep(80 * time.Millisecond)
		_, _ = pw.Write([]byte("+OK\r\n"))
	}()

	// Act
	err := s.WaitForLine(context.Background(), 40*time.Millisecond)

	// Assert
	assert.NoError(t, err)
}

func TestLineStream_SecondWaitIsBusy(t *testing.T) {
	// Arrange
	pr, pw := io.Pipe()
	s := New(pr)
	defer s.Close()
	done := make(chan error, 1)
	go func() {
		done <- s.WaitForLine(context.Background(), time.Second)
	}()
	require.Eventually(t, s.Waiting, time.Second, time.Millisecond)

	// Act
	err := s.WaitForLine(context.Background(), time.Second)
	_, _ = pw.Write([]byte("ok\r\n"))

	// Assert
	assert.ErrorIs(t, err, ErrBusy)
	assert.NoError(t, <-done)
}

func TestLineStream_ReadWithoutWait(t *testing.T) {
	// Arrange
	s := New(strings.NewReader("x\r\n"))
	defer s.Close()

	// Act
	_, err := s.ReadLine(false)

	// Assert
	assert.ErrorIs(t, err, ErrNoPendingRead)
}

func TestLineStream_ContextCancel(t *testing.T) {
	// Arrange
	pr, _ := io.Pipe()
	s := New(pr)
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Act
	err := s.WaitForLine(ctx, time.Second)

	// Assert
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLineStream_WaitForData(t *testing.T) {
	// Arrange
	s := New(strings.NewReader("0123456789abc"))
	defer s.Close()

	// Act
	err := s.WaitForData(context.Background(), 10, time.Second)
	require.NoError(t, err)
	data, readErr := s.ReadData(10)

	// Assert
	require.NoError(t, readErr)
	assert.Equal(t, "0123456789", string(data))
	assert.LessOrEqual(t, s.NumBytesAvailable(), 3)
}

func TestLineStream_LargeInputAcrossChunks(t *testing.T) {
	// Arrange
	var sb strings.Builder
	for i := 0; i < 2000; i++ {
		sb.WriteString(strings.Repeat("z", 37))
		sb.WriteString("\r\n")
	}
	s := New(strings.NewReader(sb.String()))
	defer s.Close()

	// Act
	lines, err := readAllLines(t, s)

	// Assert
	assert.ErrorIs(t, err, ErrDisconnected)
	require.Len(t, lines, 2000)
	for _, l := range lines {
		assert.Len(t, l, 37)
	}
}
