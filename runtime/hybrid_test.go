package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHybridInterfaceFile(t *testing.T) {
	dir := t.TempDir()

	h, err := NewHybridInterfaceFile(dir, 3, 1)
	require.NoError(t, err)

	h.Start(5*time.Millisecond, func() float64 { return 2.5 })

	path := filepath.Join(dir, "utilization.3")
	require.Eventually(t, func() bool {
		buf, err := os.ReadFile(path)
		return err == nil && len(buf) > 0
	}, 5*time.Second, time.Millisecond)

	h.Stop()

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	require.NotEmpty(t, lines)

	fields := strings.Fields(lines[0])
	require.Len(t, fields, 3)
	require.Equal(t, "1", fields[0], "apprank number leads the record")
	require.Equal(t, "2.500", fields[2])
}

func TestHybridInterfaceManualSample(t *testing.T) {
	dir := t.TempDir()

	h, err := NewHybridInterfaceFile(dir, 0, 0)
	require.NoError(t, err)
	h.SetBusyCores(4)
	h.Start(5*time.Millisecond, nil)

	path := filepath.Join(dir, "utilization.0")
	require.Eventually(t, func() bool {
		buf, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(buf), "4.000")
	}, 5*time.Second, time.Millisecond)

	h.Stop()
}
