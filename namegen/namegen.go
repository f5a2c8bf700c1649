// Package namegen labels convergence operations and throwaway servers with
// short human-readable ids, for when the fleet manager does not hand one back.
package namegen

import (
	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func (id ID) String() string {
	return string(id)
}

// Operation labels one convergence request; the id shows up in every log line
// of its wait loop.
func Operation() ID {
	return ID("op-" + gen.Get())
}

// Server names a fleet server inside a node array when the caller did not pin
// a node name.
func Server(array string) ID {
	return ID(array + "-" + gen.Get())
}
