package pipeline

import (
	"maps"
	"strings"
	"sync"
)

// periodCounter tracks stored events for one period instance.
// reserved counts in-flight reservations so concurrent triggers cannot
// overshoot the cap between check and commit.
type periodCounter struct {
	mu       sync.Mutex
	stored   int
	reserved int
}

// TryReserve claims a slot if stored plus in-flight reservations are below limit.
func (c *periodCounter) TryReserve(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > 0 && c.stored+c.reserved >= limit {
		return false
	}
	c.reserved++
	return true
}

// Commit turns a reservation into a stored event and returns the new stored count.
func (c *periodCounter) Commit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved > 0 {
		c.reserved--
	}
	c.stored++
	return c.stored
}

// Abort returns a reservation unused.
func (c *periodCounter) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved > 0 {
		c.reserved--
	}
}

// Add records a stored event that bypassed the cap.
func (c *periodCounter) Add() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored++
	return c.stored
}

func (c *periodCounter) Stored() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stored
}

// periodCounters maps period instance keys to counters. The map lock is
// held only for lookup.
type periodCounters struct {
	mu sync.Mutex
	m  map[string]*periodCounter
}

func newPeriodCounters() *periodCounters {
	return &periodCounters{m: make(map[string]*periodCounter)}
}

func (p *periodCounters) get(key string) *periodCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.m[key]
	if !ok {
		c = &periodCounter{}
		p.m[key] = c
	}
	return c
}

// seed raises a counter to stored if it is lower, e.g. from persisted events.
func (p *periodCounters) seed(key string, stored int) {
	c := p.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = max(c.stored, stored)
}

// snapshot returns stored counts per instance key.
func (p *periodCounters) snapshot() map[string]int {
	p.mu.Lock()
	counters := maps.Clone(p.m)
	p.mu.Unlock()

	out := make(map[string]int, len(counters))
	for k, c := range counters {
		out[k] = c.Stored()
	}
	return out
}

// prune drops counters whose key does not start with keep, i.e. past days.
func (p *periodCounters) prune(keepPrefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.m {
		if !strings.HasPrefix(k, keepPrefix) {
			delete(p.m, k)
		}
	}
}
