package serialization

import "sync"

// codecOptions общие настройки JSON и MessagePack кодеков
type codecOptions struct {
	handles  map[string]struct{}
	payloads map[string]func() interface{}
	mu       sync.RWMutex
}

// CodecOption опция кодека
type CodecOption func(*codecOptions)

// HandleOnly ограничивает CanHandle перечисленными типами событий
func HandleOnly(eventTypes ...string) CodecOption {
	return func(o *codecOptions) {
		for _, t := range eventTypes {
			o.handles[t] = struct{}{}
		}
	}
}

// WithPayloadType задает фабрику типизированной нагрузки для типа события.
// Фабрика должна возвращать указатель.
func WithPayloadType(eventType string, factory func() interface{}) CodecOption {
	return func(o *codecOptions) {
		o.payloads[eventType] = factory
	}
}

func newCodecOptions(opts []CodecOption) *codecOptions {
	o := &codecOptions{
		handles:  make(map[string]struct{}),
		payloads: make(map[string]func() interface{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *codecOptions) canHandle(eventType string) bool {
	if len(o.handles) == 0 {
		return true
	}
	_, ok := o.handles[eventType]
	return ok
}

// target возвращает куда декодировать нагрузку
func (o *codecOptions) target(eventType string) (interface{}, bool) {
	o.mu.RLock()
	factory, ok := o.payloads[eventType]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

func (o *codecOptions) register(eventType string, factory func() interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payloads[eventType] = factory
}
