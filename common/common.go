// Package common contains helpers shared across the whole module.
package common

import (
	"io"

	"github.com/tunbridge/tunbridge-core/common/errors"
)

// ErrNoClue is for the situation that existing information is not enough to make a decision.
var ErrNoClue = errors.New("not enough information for making a decision")

// Must panics if err is not nil.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}

// Must2 panics if the second returned value of a call is not nil.
func Must2(v interface{}, err error) interface{} {
	Must(err)
	return v
}

// Error2 returns the err from the 2nd parameter.
func Error2(v interface{}, err error) error {
	return err
}

// Closable is the interface for objects that can release their resources.
type Closable interface {
	// Close releases all resources used by this object, including goroutines, if any.
	Close() error
}

// Close closes the obj if it is a Closable.
func Close(obj interface{}) error {
	if c, ok := obj.(Closable); ok {
		return c.Close()
	}
	if c, ok := obj.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Runnable is the interface for objects that can start to work and stop on demand.
type Runnable interface {
	// Start starts the runnable object. Upon the method returning nil, the object begins to function properly.
	Start() error

	Closable
}
