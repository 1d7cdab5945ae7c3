package capture

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classwatch/classwatch/internal/errors"
)

func TestParseRegion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    *Region
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "0,0,1920,1080", want: &Region{X: 0, Y: 0, Width: 1920, Height: 1080}},
		{in: " 10, 20 ,300,200 ", want: &Region{X: 10, Y: 20, Width: 300, Height: 200}},
		{in: "1,2,3", wantErr: true},
		{in: "a,0,10,10", wantErr: true},
		{in: "-1,0,10,10", wantErr: true},
		{in: "0,0,0,10", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRegion(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFFmpegDevice_Args(t *testing.T) {
	t.Parallel()

	region := &Region{X: 100, Y: 50, Width: 640, Height: 480}
	tail := []string{"-frames:v", "1", "-f", "image2pipe", "-vcodec", "png", "pipe:1"}
	head := []string{"-hide_banner", "-loglevel", "error", "-f"}

	tests := []struct {
		name string
		dev  FFmpegDevice
		mid  []string
	}{
		{
			name: "linux full screen",
			dev:  FFmpegDevice{GOOS: "linux"},
			mid:  []string{"x11grab", "-i", ":0.0"},
		},
		{
			name: "linux region second screen",
			dev:  FFmpegDevice{GOOS: "linux", Display: ":1", Monitor: 1, Region: region},
			mid:  []string{"x11grab", "-video_size", "640x480", "-i", ":1.1+100,50"},
		},
		{
			name: "windows region",
			dev:  FFmpegDevice{GOOS: "windows", Region: region},
			mid: []string{"gdigrab", "-offset_x", "100", "-offset_y", "50",
				"-video_size", "640x480", "-i", "desktop"},
		},
		{
			name: "darwin region",
			dev:  FFmpegDevice{GOOS: "darwin", Monitor: 2, Region: region},
			mid: []string{"avfoundation", "-capture_cursor", "0", "-i", "2:none",
				"-vf", "crop=640:480:100:50"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			want := append(append(append([]string{}, head...), tt.mid...), tail...)
			assert.Equal(t, want, tt.dev.Args())
		})
	}
}

func TestFFmpegDevice_MissingBinary(t *testing.T) {
	t.Parallel()

	dev := &FFmpegDevice{FFmpegPath: filepath.Join(t.TempDir(), "no-ffmpeg")}
	_, err := dev.Open(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCapture))
	assert.Equal(t, "ffmpeg:x11grab", (&FFmpegDevice{GOOS: "linux"}).Name())
}

func writePNG(t *testing.T, dir, name string) {
	t.Helper()
	data := append(append([]byte(nil), pngSignature...), []byte(name)...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func TestImageDirDevice_ReplaysInOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "b.png")
	writePNG(t, dir, "a.png")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	s, err := (&ImageDirDevice{Dir: dir}).Open(t.Context())
	require.NoError(t, err)
	defer s.Close()

	f, err := s.Grab(t.Context())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.png"), f.Source)
	assert.True(t, f.IsPNG())

	f, err = s.Grab(t.Context())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.png"), f.Source)

	_, err = s.Grab(t.Context())
	require.ErrorIs(t, err, io.EOF)
}

func TestImageDirDevice_Loop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "only.png")

	s, err := (&ImageDirDevice{Dir: dir, Loop: true}).Open(t.Context())
	require.NoError(t, err)
	for range 3 {
		f, err := s.Grab(t.Context())
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "only.png"), f.Source)
	}
	require.NoError(t, s.Close())
	_, err = s.Grab(t.Context())
	require.Error(t, err)
}

func TestImageDirDevice_Errors(t *testing.T) {
	t.Parallel()

	_, err := (&ImageDirDevice{Dir: t.TempDir()}).Open(t.Context())
	require.Error(t, err, "empty directory")
	assert.True(t, errors.IsCategory(err, errors.CategoryCapture))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fake.png"), []byte("not an image"), 0o600))
	s, err := (&ImageDirDevice{Dir: dir}).Open(t.Context())
	require.NoError(t, err)
	_, err = s.Grab(t.Context())
	require.Error(t, err)
}
