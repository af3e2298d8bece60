// Package fsm предоставляет табличный конечный автомат для статусов агрегатов.
package fsm

import (
	"fmt"
	"slices"

	"github.com/akriventsev/shopflow/framework/core"
)

// Transition описывает разрешенный переход From --Event--> To
type Transition[S comparable, E comparable] struct {
	From  S
	Event E
	To    S
}

type transitionKey[S comparable, E comparable] struct {
	from  S
	event E
}

// Machine неизменяемая таблица переходов.
// Machine не хранит текущее состояние, его хранит агрегат.
type Machine[S comparable, E comparable] struct {
	name     string
	table    map[transitionKey[S, E]]S
	outgoing map[S][]E
	states   map[S]struct{}
}

// NewMachine строит автомат из списка переходов.
// Повторное определение пары (From, Event) с другим To считается ошибкой.
func NewMachine[S comparable, E comparable](name string, transitions ...Transition[S, E]) (*Machine[S, E], error) {
	m := &Machine[S, E]{
		name:     name,
		table:    make(map[transitionKey[S, E]]S, len(transitions)),
		outgoing: make(map[S][]E),
		states:   make(map[S]struct{}),
	}
	for _, t := range transitions {
		key := transitionKey[S, E]{from: t.From, event: t.Event}
		if to, exists := m.table[key]; exists && to != t.To {
			return nil, core.NewError(core.ErrInvalidConfig,
				fmt.Sprintf("%s: ambiguous transition %v --%v--> %v / %v", name, t.From, t.Event, to, t.To))
		} else if exists {
			continue
		}
		m.table[key] = t.To
		m.outgoing[t.From] = append(m.outgoing[t.From], t.Event)
		m.states[t.From] = struct{}{}
		m.states[t.To] = struct{}{}
	}
	return m, nil
}

// MustMachine как NewMachine, но паникует на ошибке. Для таблиц уровня пакета.
func MustMachine[S comparable, E comparable](name string, transitions ...Transition[S, E]) *Machine[S, E] {
	m, err := NewMachine(name, transitions...)
	if err != nil {
		panic(err)
	}
	return m
}

// Next возвращает состояние после события или BUSINESS_INVARIANT ошибку,
// если переход не определен
func (m *Machine[S, E]) Next(from S, event E) (S, error) {
	to, ok := m.table[transitionKey[S, E]{from: from, event: event}]
	if !ok {
		return from, core.Invariant("%s: no transition from %v on %v", m.name, from, event)
	}
	return to, nil
}

// Can проверяет, определен ли переход
func (m *Machine[S, E]) Can(from S, event E) bool {
	_, ok := m.table[transitionKey[S, E]{from: from, event: event}]
	return ok
}

// Events возвращает события, допустимые в состоянии, в порядке объявления
func (m *Machine[S, E]) Events(from S) []E {
	return slices.Clone(m.outgoing[from])
}

// IsTerminal сообщает, что из состояния нет переходов
func (m *Machine[S, E]) IsTerminal(s S) bool {
	return len(m.outgoing[s]) == 0
}

// Known проверяет, что состояние встречается в таблице
func (m *Machine[S, E]) Known(s S) bool {
	_, ok := m.states[s]
	return ok
}
