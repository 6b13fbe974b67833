package events

import "time"

// Filter предикат над событием
type Filter func(Event) bool

// All пропускает все события
func All() Filter {
	return func(Event) bool { return true }
}

// ByEventType пропускает события перечисленных типов
func ByEventType(types ...string) Filter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.EventType()]
		return ok
	}
}

// ByAggregateID пропускает события перечисленных агрегатов
func ByAggregateID(ids ...string) Filter {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.AggregateID()]
		return ok
	}
}

// ByAggregateType пропускает события агрегатов указанного типа
func ByAggregateType(aggregateType string) Filter {
	return func(e Event) bool {
		return AggregateTypeOf(e) == aggregateType
	}
}

// ByDateRange пропускает события с from <= OccurredAt <= to
func ByDateRange(from, to time.Time) Filter {
	return func(e Event) bool {
		t := e.OccurredAt()
		return !t.Before(from) && !t.After(to)
	}
}

// Before пропускает события, произошедшие строго до t
func Before(t time.Time) Filter {
	return func(e Event) bool {
		return e.OccurredAt().Before(t)
	}
}

// After пропускает события, произошедшие строго после t
func After(t time.Time) Filter {
	return func(e Event) bool {
		return e.OccurredAt().After(t)
	}
}

// And пропускает событие, если его пропускают все фильтры. Пустой And пропускает все.
func And(filters ...Filter) Filter {
	return func(e Event) bool {
		for _, f := range filters {
			if !f(e) {
				return false
			}
		}
		return true
	}
}

// Or пропускает событие, если его пропускает хотя бы один фильтр. Пустой Or отклоняет все.
func Or(filters ...Filter) Filter {
	return func(e Event) bool {
		for _, f := range filters {
			if f(e) {
				return true
			}
		}
		return false
	}
}

// Not инвертирует фильтр
func Not(filter Filter) Filter {
	return func(e Event) bool {
		return !filter(e)
	}
}
