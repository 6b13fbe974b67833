package logging

import (
	"time"

	"github.com/felixgeelhaar/bolt/v3"
)

// Field применяет структурированные данные к событию лога
type Field func(*bolt.Event) *bolt.Event

// Str добавляет строковое поле
func Str(key, value string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str(key, value)
	}
}

// Int добавляет целочисленное поле
func Int(key string, value int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int(key, value)
	}
}

// Int64 добавляет поле int64
func Int64(key string, value int64) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int64(key, value)
	}
}

// Bool добавляет булево поле
func Bool(key string, value bool) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Bool(key, value)
	}
}

// Err добавляет ошибку. nil игнорируется.
func Err(err error) Field {
	return func(e *bolt.Event) *bolt.Event {
		if err == nil {
			return e
		}
		return e.Err(err)
	}
}

// Duration добавляет длительность в миллисекундах
func Duration(d time.Duration) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int64("duration_ms", d.Milliseconds())
	}
}

// Component добавляет имя компонента
func Component(name string) Field {
	return Str("component", name)
}

// StreamID добавляет идентификатор потока
func StreamID(id string) Field {
	return Str("stream_id", id)
}

// EventID добавляет идентификатор события
func EventID(id string) Field {
	return Str("event_id", id)
}

// EventType добавляет тип события
func EventType(eventType string) Field {
	return Str("event_type", eventType)
}

// Version добавляет версию потока
func Version(v int64) Field {
	return Int64("version", v)
}

// Position добавляет глобальную позицию
func Position(p int64) Field {
	return Int64("position", p)
}
