// Package monitor watches server output for performance warnings.
package monitor

import (
	"bytes"
	"regexp"
	"strconv"
	"sync"

	"github.com/loykin/fxrunner/internal/metrics"
)

// hitch warnings look like:
// "server thread hitch warning: timer interval of 236 milliseconds"
var hitchRe = regexp.MustCompile(`hitch warning: timer interval of (\d+) milliseconds`)

const maxPartial = 64 * 1024

// HitchMonitor is an io.Writer fed with raw server stdout.
type HitchMonitor struct {
	mu      sync.Mutex
	partial []byte
	count   int
	worstMs int
}

func NewHitchMonitor() *HitchMonitor { return &HitchMonitor{} }

func (m *HitchMonitor) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := append(m.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		m.scanLine(data[:i])
		data = data[i+1:]
	}
	if len(data) > maxPartial {
		data = data[len(data)-maxPartial:]
	}
	m.partial = append(m.partial[:0:0], data...)
	return len(p), nil
}

func (m *HitchMonitor) scanLine(line []byte) {
	sm := hitchRe.FindSubmatch(line)
	if sm == nil {
		return
	}
	m.count++
	if ms, err := strconv.Atoi(string(sm[1])); err == nil && ms > m.worstMs {
		m.worstMs = ms
	}
	metrics.SetHitches(m.count)
}

// ClearHitchCounter resets the counters; called on every spawn.
func (m *HitchMonitor) ClearHitchCounter() {
	m.mu.Lock()
	m.count, m.worstMs = 0, 0
	m.partial = nil
	m.mu.Unlock()
	metrics.SetHitches(0)
}

// Hitches returns the number of hitch warnings and the worst interval in ms.
func (m *HitchMonitor) Hitches() (count, worstMs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count, m.worstMs
}
