package hook

import (
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/lazyhook/internal/config"
	"github.com/blacktop/lazyhook/pkg/dyld/bind"
)

type options struct {
	geometry *Geometry
	match    bind.Matcher
}

// Option configures a single Hook or Unhook call.
type Option func(o *options)

func newOptions(opts ...Option) *options {
	o := &options{match: bind.MatchStripped}
	if g, ok := GeometryByName(config.Get().Arch); ok {
		o.geometry = &g
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) geometryFor(cpu types.CPU) (Geometry, bool) {
	if o.geometry != nil {
		return *o.geometry, true
	}
	return GeometryFor(cpu)
}

// WithGeometry forces the stub helper layout instead of deriving it from the image's CPU.
func WithGeometry(g Geometry) Option {
	return Option(func(o *options) {
		o.geometry = &g
	})
}

// WithExactNames matches symbol names exactly as the linker stored them
// ("_printf") instead of without their leading underscore ("printf").
func WithExactNames() Option {
	return Option(func(o *options) {
		o.match = bind.MatchExact
	})
}
