package model

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classwatch/classwatch/internal/logger"
)

const helperSuffix = ".sidecar-helper"

// TestSidecarHelperProcess is the detector helper when the test binary is
// re-executed by SidecarRuntime; the mode comes from the model file name.
func TestSidecarHelperProcess(t *testing.T) {
	asset := os.Args[len(os.Args)-1]
	if !strings.HasSuffix(asset, helperSuffix) {
		return
	}
	mode := strings.TrimSuffix(filepath.Base(asset), helperSuffix)
	if mode == "crash" {
		os.Exit(3)
	}

	fmt.Println(`{"ready":true}`)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<22)
	for scanner.Scan() {
		var req sidecarRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			os.Exit(2)
		}
		switch mode {
		case "slow":
			time.Sleep(300 * time.Millisecond)
		case "failing":
			fmt.Printf(`{"id":%d,"error":"inference exploded"}`+"\n", req.ID)
			continue
		}
		fmt.Fprintln(os.Stderr, "processed", req.ID)
		fmt.Printf(`{"id":%d,"faces":[{"x":1,"y":2,"w":64,"h":64,"confidence":0.93}]}`+"\n", req.ID)
	}
	os.Exit(0)
}

func helperRuntime(t *testing.T) SidecarRuntime {
	t.Helper()
	return SidecarRuntime{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestSidecarHelperProcess$", "--"},
		Log:     logger.NewNopLogger(),
	}
}

func helperAsset(t *testing.T, mode string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), mode+helperSuffix)
}

func TestSidecar_DetectRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	det, err := helperRuntime(t).Load(ctx, helperAsset(t, "ok"))
	require.NoError(t, err)
	defer func() { assert.NoError(t, det.Close()) }()

	for range 3 {
		faces, err := det.Detect(ctx, []byte{0x89, 'P', 'N', 'G'}, DetectOptions{Threshold: 0.8})
		require.NoError(t, err)
		require.Len(t, faces, 1)
		assert.Equal(t, 64, faces[0].Width)
		assert.InDelta(t, 0.93, faces[0].Confidence, 1e-9)
	}
}

func TestSidecar_TimeoutThenStaleResponseDiscarded(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	det, err := helperRuntime(t).Load(ctx, helperAsset(t, "slow"))
	require.NoError(t, err)
	defer det.Close()

	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err = det.Detect(short, []byte("png"), DetectOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	faces, err := det.Detect(ctx, []byte("png"), DetectOptions{})
	require.NoError(t, err)
	assert.Len(t, faces, 1)
}

func TestSidecar_ErrorResponse(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	det, err := helperRuntime(t).Load(ctx, helperAsset(t, "failing"))
	require.NoError(t, err)
	defer det.Close()

	_, err = det.Detect(ctx, []byte("png"), DetectOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference exploded")
}

func TestSidecar_ExitBeforeReady(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := helperRuntime(t).Load(ctx, helperAsset(t, "crash"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before ready")
}

func TestSidecar_MissingCommand(t *testing.T) {
	t.Parallel()

	_, err := SidecarRuntime{}.Load(context.Background(), "model.onnx")
	require.Error(t, err)

	_, err = SidecarRuntime{Command: filepath.Join(t.TempDir(), "missing")}.Load(context.Background(), "model.onnx")
	require.Error(t, err)
}
