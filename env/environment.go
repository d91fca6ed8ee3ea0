// Package env provides an insertion-ordered set of environment variables.
//
// It is intended for internal use by deploystep only.
package env

import (
	"bytes"
	"encoding/json"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment is an ordered map of environment variables, with the keys
// normalized for case-insensitive operating systems. Keys keep the position
// of their first Set; overwriting a key does not move it.
type Environment struct {
	keys   []string
	values map[string]string
}

func New() *Environment {
	return NewWithLength(0)
}

func NewWithLength(length int) *Environment {
	return &Environment{
		keys:   make([]string, 0, length),
		values: make(map[string]string, length),
	}
}

// Split splits an environment variable (in the form "name=value") into the name
// and value substrings. If there is no '=', or the first '=' is at the start,
// it returns `"", "", false`.
func Split(l string) (name, value string, ok bool) {
	// Windows creates variables beginning with '=' in some circumstances.
	// See https://github.com/golang/go/issues/49886.
	i := strings.IndexRune(l, '=')
	if i <= 0 {
		return "", "", false
	}
	return l[:i], l[i+1:], true
}

// FromSlice creates a new environment from a string slice of KEY=VALUE
func FromSlice(s []string) *Environment {
	env := NewWithLength(len(s))

	for _, l := range s {
		if k, v, ok := Split(l); ok {
			env.Set(k, v)
		}
	}

	return env
}

// Get returns a key from the environment
func (e *Environment) Get(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	v, ok := e.values[normalizeKeyName(key)]
	return v, ok
}

// Exists returns true/false depending on whether or not the key exists in the env
func (e *Environment) Exists(key string) bool {
	_, ok := e.Get(key)
	return ok
}

// Set sets a key in the environment
func (e *Environment) Set(key string, value string) string {
	if e.values == nil {
		e.values = make(map[string]string, 1)
	}
	key = normalizeKeyName(key)
	if _, exists := e.values[key]; !exists {
		e.keys = append(e.keys, key)
	}
	e.values[key] = value
	return value
}

// Length returns the length of the environment
func (e *Environment) Length() int {
	if e == nil {
		return 0
	}
	return len(e.keys)
}

// Range calls f for each variable in insertion order. If f returns an error,
// ranging stops and that error is returned.
func (e *Environment) Range(f func(k, v string) error) error {
	if e == nil {
		return nil
	}
	for _, k := range e.keys {
		if err := f(k, e.values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Merge merges another env into this one. Values from other win; keys new to
// e are appended in other's order.
func (e *Environment) Merge(other *Environment) {
	if other == nil {
		return
	}

	other.Range(func(k, v string) error {
		e.Set(k, v)
		return nil
	})
}

// ToSlice returns the environment as KEY=VALUE strings in insertion order.
func (e *Environment) ToSlice() []string {
	s := make([]string, 0, e.Length())
	e.Range(func(k, v string) error {
		s = append(s, k+"="+v)
		return nil
	})
	return s
}

// MarshalJSON encodes the environment as a JSON object, preserving order.
func (e *Environment) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	err := e.Range(func(k, v string) error {
		if b.Len() > 1 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// MarshalYAML returns a mapping node with the variables in order.
func (e *Environment) MarshalYAML() (any, error) {
	n := &yaml.Node{
		Kind: yaml.MappingNode,
		Tag:  "!!map",
	}
	err := e.Range(func(k, v string) error {
		nk, nv := new(yaml.Node), new(yaml.Node)
		if err := nk.Encode(k); err != nil {
			return err
		}
		if err := nv.Encode(v); err != nil {
			return err
		}
		n.Content = append(n.Content, nk, nv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Environment variables on Windows are case-insensitive: PATH is the same as
// Path. os.Environ() returns the original casing, so on Windows every key
// going in or out of this API is upper-cased. Unix is case sensitive and is
// left alone.
func normalizeKeyName(key string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(key)
	}
	return key
}
