// Package core предоставляет базовые типы для всех компонентов фреймворка.
package core

import "time"

// Entity общая часть агрегатов: идентификатор и временные метки.
// Агрегаты встраивают Entity по значению, метки выставляются явно.
type Entity struct {
	ID        string    `json:"id" bson:"_id"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// NewEntity создает Entity с одинаковыми created_at и updated_at
func NewEntity(id string, now time.Time) Entity {
	now = now.UTC()
	return Entity{ID: id, CreatedAt: now, UpdatedAt: now}
}

// Touch обновляет updated_at
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now.UTC()
}

// Result[T] generic тип для результатов операций (успех/ошибка)
type Result[T any] struct {
	Value T
	Error error
}

// Ok создает успешный результат
func Ok[T any](value T) Result[T] {
	return Result[T]{Value: value}
}

// Err создает результат с ошибкой
func Err[T any](err error) Result[T] {
	return Result[T]{Error: err}
}

// IsOk проверяет, успешен ли результат
func (r Result[T]) IsOk() bool {
	return r.Error == nil
}

// IsErr проверяет, есть ли ошибка в результате
func (r Result[T]) IsErr() bool {
	return r.Error != nil
}

// Option[T] generic тип для опциональных значений
type Option[T any] struct {
	value T
	some  bool
}

// Some создает Option с значением
func Some[T any](value T) Option[T] {
	return Option[T]{value: value, some: true}
}

// None создает пустой Option
func None[T any]() Option[T] {
	return Option[T]{some: false}
}

// IsSome проверяет, есть ли значение
func (o Option[T]) IsSome() bool {
	return o.some
}

// IsNone проверяет, пуст ли Option
func (o Option[T]) IsNone() bool {
	return !o.some
}

// Value возвращает значение (panic если None)
func (o Option[T]) Value() T {
	if !o.some {
		panic("option is none")
	}
	return o.value
}

// Get возвращает значение и признак его наличия
func (o Option[T]) Get() (T, bool) {
	return o.value, o.some
}

// ValueOr возвращает значение или значение по умолчанию
func (o Option[T]) ValueOr(defaultValue T) T {
	if o.some {
		return o.value
	}
	return defaultValue
}

// ComponentType enum для типов компонентов
type ComponentType string

const (
	ComponentTypeAdapter   ComponentType = "adapter"
	ComponentTypeTransport ComponentType = "transport"
	ComponentTypeConsumer  ComponentType = "consumer"
	ComponentTypeStore     ComponentType = "store"
)
