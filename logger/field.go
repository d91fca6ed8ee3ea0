package logger

import (
	"strconv"
	"time"
)

// Field is a key and value printed alongside a log message.
type Field interface {
	Key() string
	String() string
}

type Fields []Field

func (f *Fields) Add(fields ...Field) {
	*f = append(*f, fields...)
}

// field is a Field whose value was formatted when it was made, so printing
// it never has to format again.
type field struct {
	key, value string
}

func (f field) Key() string    { return f.key }
func (f field) String() string { return f.value }

func StringField(key, value string) Field {
	return field{key: key, value: value}
}

func IntField(key string, value int) Field {
	return field{key: key, value: strconv.Itoa(value)}
}

// DurationField rounds to the millisecond; the rest is noise in a log line.
func DurationField(key string, value time.Duration) Field {
	return field{key: key, value: value.Round(time.Millisecond).String()}
}
