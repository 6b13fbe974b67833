package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryRecorder хранит метрики в памяти. Используется в тестах и
// для отладочного вывода.
type InMemoryRecorder struct {
	counters   map[string]int64
	histograms map[string][]float64
	mu         sync.Mutex
}

// NewInMemoryRecorder создает пустой recorder
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{
		counters:   make(map[string]int64),
		histograms: make(map[string][]float64),
	}
}

// IncCounter увеличивает счетчик
func (r *InMemoryRecorder) IncCounter(_ context.Context, name string, labels map[string]string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[seriesKey(name, labels)] += value
	if len(labels) > 0 {
		r.counters[name] += value
	}
}

// ObserveHistogram сохраняет наблюдение
func (r *InMemoryRecorder) ObserveHistogram(_ context.Context, name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := seriesKey(name, labels)
	r.histograms[key] = append(r.histograms[key], value)
	if len(labels) > 0 {
		r.histograms[name] = append(r.histograms[name], value)
	}
}

// Counter возвращает значение счетчика. Без меток возвращается сумма
// по всем сериям метрики.
func (r *InMemoryRecorder) Counter(name string, labels map[string]string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[seriesKey(name, labels)]
}

// Observations возвращает количество наблюдений гистограммы
func (r *InMemoryRecorder) Observations(name string, labels map[string]string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.histograms[seriesKey(name, labels)])
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
