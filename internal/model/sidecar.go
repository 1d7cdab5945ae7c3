package model

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
)

const (
	sidecarShutdownGrace = 2 * time.Second
	maxResponseLine      = 1 << 20
)

// SidecarRuntime runs detection in a helper process speaking newline
// delimited JSON on stdin and stdout. The helper is started with the model
// path appended to Args and must print {"ready":true} once initialized.
//
// Request:  {"id":1,"image":"<base64 png>","threshold":0.8,"min_face_size":0}
// Response: {"id":1,"faces":[...],"error":""}
type SidecarRuntime struct {
	Command string
	Args    []string
	Log     logger.Logger
}

type sidecarRequest struct {
	ID          uint64  `json:"id"`
	Image       string  `json:"image"`
	Threshold   float64 `json:"threshold"`
	MinFaceSize int     `json:"min_face_size"`
}

type sidecarResponse struct {
	ID    uint64 `json:"id"`
	Ready bool   `json:"ready,omitempty"`
	Faces []Face `json:"faces"`
	Error string `json:"error,omitempty"`
}

// Load starts the helper and waits for its ready line.
func (r SidecarRuntime) Load(ctx context.Context, assetPath string) (Detector, error) {
	if r.Command == "" {
		return nil, errors.Newf("detector command is not configured").
			Component("model").
			Category(errors.CategoryConfiguration).
			Build()
	}
	log := r.Log
	if log == nil {
		log = GetLogger().Module("sidecar")
	}

	args := append(append([]string(nil), r.Args...), assetPath)
	cmd := exec.Command(r.Command, args...) //nolint:gosec // command comes from operator config
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, commandError(err, r.Command)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, commandError(err, r.Command)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, commandError(err, r.Command)
	}
	if err := cmd.Start(); err != nil {
		return nil, commandError(err, r.Command)
	}

	s := &sidecar{
		cmd:       cmd,
		stdin:     stdin,
		responses: make(chan sidecarResponse, 1),
		readerErr: make(chan error, 1),
		log:       log,
	}
	s.wg.Add(2)
	go s.readResponses(stdout)
	go s.drainStderr(stderr)

	select {
	case resp, ok := <-s.responses:
		if !ok {
			// the reader reports its error before closing responses
			err := <-s.readerErr
			_ = s.Close()
			return nil, commandError(fmt.Errorf("detector exited before ready: %w", err), r.Command)
		}
		if resp.Ready {
			log.Info("Detector process ready", logger.Int("pid", cmd.Process.Pid))
			return s, nil
		}
		_ = s.Close()
		return nil, commandError(fmt.Errorf("unexpected handshake from detector: %+v", resp), r.Command)
	case err := <-s.readerErr:
		_ = s.Close()
		return nil, commandError(fmt.Errorf("detector exited before ready: %w", err), r.Command)
	case <-ctx.Done():
		_ = s.Close()
		return nil, commandError(fmt.Errorf("waiting for detector ready: %w", ctx.Err()), r.Command)
	}
}

func commandError(err error, command string) error {
	return errors.New(err).
		Component("model").
		Category(errors.CategoryCommandExecution).
		Context("command", command).
		Build()
}

type sidecar struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan sidecarResponse
	readerErr chan error
	log       logger.Logger
	wg        sync.WaitGroup

	// reqMu keeps one request outstanding at a time
	reqMu     sync.Mutex
	nextID    atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

func (s *sidecar) readResponses(stdout io.Reader) {
	defer s.wg.Done()
	defer close(s.responses)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseLine)
	for scanner.Scan() {
		var resp sidecarResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			s.log.Warn("Ignoring malformed detector output", logger.Error(err))
			continue
		}
		s.responses <- resp
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.readerErr <- err
}

func (s *sidecar) drainStderr(stderr io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.log.Debug("detector stderr", logger.String("line", scanner.Text()))
	}
}

// Detect sends one frame and waits for the matching response. Responses to
// requests that timed out earlier are discarded by id.
func (s *sidecar) Detect(ctx context.Context, png []byte, opts DetectOptions) ([]Face, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	req := sidecarRequest{
		ID:          s.nextID.Add(1),
		Image:       base64.StdEncoding.EncodeToString(png),
		Threshold:   opts.Threshold,
		MinFaceSize: opts.MinFaceSize,
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("writing detector request: %w", err)
	}

	for {
		select {
		case resp, ok := <-s.responses:
			if !ok {
				return nil, errors.NewStd("detector process exited")
			}
			if resp.ID != req.ID {
				continue
			}
			if resp.Error != "" {
				return nil, errors.NewStd(resp.Error)
			}
			return resp.Faces, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close ends the helper: stdin is closed, then the process is killed if it
// has not exited within the grace period.
func (s *sidecar) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()

		exited := make(chan error, 1)
		go func() { exited <- s.cmd.Wait() }()

		// keep the reader moving so Wait can finish collecting stdout
		go func() {
			for range s.responses {
			}
		}()

		select {
		case err := <-exited:
			s.closeErr = ignoreExitAfterClose(err)
		case <-time.After(sidecarShutdownGrace):
			_ = s.cmd.Process.Kill()
			<-exited
		}
		s.wg.Wait()
	})
	return s.closeErr
}

func ignoreExitAfterClose(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
