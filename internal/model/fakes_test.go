package model

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type fakeAsset struct {
	path string
	err  error
	// fail toggles err on and off between calls
	mu    sync.Mutex
	calls int
}

func (a *fakeAsset) EnsureAssetAvailable(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return "", a.err
	}
	return a.path, nil
}

func (a *fakeAsset) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

type fakeRuntime struct {
	delay  time.Duration
	loads  atomic.Int32
	closes atomic.Int32
	faces  []Face
	// detectBlock, when set, blocks Detect until closed
	detectBlock chan struct{}
}

func (r *fakeRuntime) Load(ctx context.Context, _ string) (Detector, error) {
	r.loads.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &fakeDetector{rt: r}, nil
}

type fakeDetector struct {
	rt *fakeRuntime
}

func (d *fakeDetector) Detect(ctx context.Context, _ []byte, _ DetectOptions) ([]Face, error) {
	if d.rt.detectBlock != nil {
		select {
		case <-d.rt.detectBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return append([]Face(nil), d.rt.faces...), nil
}

func (d *fakeDetector) Close() error {
	d.rt.closes.Add(1)
	return nil
}

type countingRecorder struct {
	mu        sync.Mutex
	loads     int
	loadErrs  int
	releases  int
	loaded    bool
	detects   int
	detectErr int
}

func (r *countingRecorder) RecordModelLoad(_ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	if err != nil {
		r.loadErrs++
	}
}

func (r *countingRecorder) RecordModelRelease(int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases++
}

func (r *countingRecorder) SetModelLoaded(loaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = loaded
}

func (r *countingRecorder) RecordDetection(_ time.Duration, _ int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detects++
	if err != nil {
		r.detectErr++
	}
}
