package logging

import (
	"fmt"
	"time"
)

// Field represents a structured log field independent of any backend
type Field struct {
	Key   string
	Value interface{}
	Type  FieldType
}

// FieldType identifies how the field should be encoded
type FieldType int

const (
	StringField FieldType = iota
	IntField
	Int64Field
	Float64Field
	BoolField
	DurationField
	TimeField
	ErrorField
	StringsField
	ObjectField
)

func (ft FieldType) String() string {
	switch ft {
	case StringField:
		return "string"
	case IntField:
		return "int"
	case Int64Field:
		return "int64"
	case Float64Field:
		return "float64"
	case BoolField:
		return "bool"
	case DurationField:
		return "duration"
	case TimeField:
		return "time"
	case ErrorField:
		return "error"
	case StringsField:
		return "strings"
	case ObjectField:
		return "object"
	default:
		return "unknown"
	}
}

func String(key, value string) Field {
	return Field{Key: key, Value: value, Type: StringField}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value, Type: IntField}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value, Type: Int64Field}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value, Type: Float64Field}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value, Type: BoolField}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value, Type: DurationField}
}

func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value, Type: TimeField}
}

// Error creates an error field (always uses "error" as key)
func Error(err error) Field {
	return Field{Key: "error", Value: err, Type: ErrorField}
}

func Strings(key string, value []string) Field {
	return Field{Key: key, Value: value, Type: StringsField}
}

// Object creates a field for arbitrary values, such as a DomainError context map
func Object(key string, value interface{}) Field {
	return Field{Key: key, Value: value, Type: ObjectField}
}

// Convenience fields shared by every child-process record

func Service(service string) Field {
	return String("service", service)
}

func Stream(stream string) Field {
	return String("stream", stream)
}

func PID(pid int) Field {
	return Int("pid", pid)
}

func Component(component string) Field {
	return String("component", component)
}

func Attempt(attempt, maxAttempts int) []Field {
	return []Field{Int("attempt", attempt), Int("max_attempts", maxAttempts)}
}

// String returns a key=value rendering of the field
func (f Field) String() string {
	return fmt.Sprintf("%s=%v", f.Key, f.Value)
}
