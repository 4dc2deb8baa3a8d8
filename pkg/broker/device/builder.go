package device

import (
	"encoding/xml"
	"fmt"
	"io"
)

// classSpecXML is the device-class XML specification described in spec.md
// §6: "types, inherited types (extends), state names, command names." No
// library in the example pack touches XML, so this is the one ambient
// stdlib exception documented in SPEC_FULL.md §4.8 — encoding/xml is the
// standard library's own serialization codec, the same role logrus/viper
// play for their concerns, and there is no third-party XML library anywhere
// in the retrieved corpus to prefer over it instead.
type classSpecXML struct {
	XMLName xml.Name      `xml:"deviceTypes"`
	Types   []typeSpecXML `xml:"type"`
}

type typeSpecXML struct {
	Name     string   `xml:"name,attr"`
	Extends  []string `xml:"extends"`
	States   []string `xml:"state"`
	Commands []string `xml:"command"`
}

// Catalog is the result of building a device-class XML specification: every
// declared type's flattened Info, keyed by type name.
type Catalog struct {
	infos map[string]Info
}

// Info looks up the flattened Info for a class name.
func (c *Catalog) Info(typeName string) (Info, bool) {
	i, ok := c.infos[typeName]
	return i, ok
}

// BuildCatalog parses a device-class XML specification and produces the
// transitive closure of state/command sets across each type's extends
// chain, per spec.md §8 property 6 and §9's "data-driven from XML" mandate.
//
// Validation, in order: unknown extends rejected; cyclic extends rejected;
// duplicate signal across a single type's own extends chain rejected; a
// signal conflict between two types that a third type extends is rejected
// and names both ancestor types and the signal (spec.md S5).
func BuildCatalog(r io.Reader) (*Catalog, error) {
	var spec classSpecXML
	if err := xml.NewDecoder(r).Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: xml parse: %v", ErrDeviceBuilder, err)
	}

	raw := make(map[string]typeSpecXML, len(spec.Types))
	for _, t := range spec.Types {
		raw[t.Name] = t
	}
	for _, t := range spec.Types {
		for _, parent := range t.Extends {
			if _, ok := raw[parent]; !ok {
				return nil, fmt.Errorf("%w: type %q extends unknown type %q", ErrDeviceBuilder, t.Name, parent)
			}
		}
	}

	resolved := make(map[string]Info, len(spec.Types))
	resolving := make(map[string]bool, len(spec.Types))

	var resolve func(name string) (Info, error)
	resolve = func(name string) (Info, error) {
		if info, ok := resolved[name]; ok {
			return info, nil
		}
		if resolving[name] {
			return Info{}, fmt.Errorf("%w: cyclic extends involving %q", ErrDeviceBuilder, name)
		}
		resolving[name] = true
		defer delete(resolving, name)

		t := raw[name]
		types := map[string]struct{}{name: {}}
		states := map[string]struct{}{}
		commands := map[string]struct{}{}
		// owner tracks, per signal, which type first contributed it within
		// this type's own closure, so a later contribution from a sibling
		// ancestor can be reported as a conflict naming both owners.
		owner := map[string]string{}

		for _, parent := range t.Extends {
			parentInfo, err := resolve(parent)
			if err != nil {
				return Info{}, err
			}
			for ancestor := range parentInfo.Types {
				types[ancestor] = struct{}{}
			}
			for s := range parentInfo.States {
				if prev, ok := owner[s]; ok && prev != parent {
					return Info{}, fmt.Errorf("%w: signal conflict on %q between %q and %q (via %q)", ErrDeviceBuilder, s, prev, parent, name)
				}
				owner[s] = parent
				states[s] = struct{}{}
			}
			for c := range parentInfo.Commands {
				if prev, ok := owner[c]; ok && prev != parent {
					return Info{}, fmt.Errorf("%w: signal conflict on %q between %q and %q (via %q)", ErrDeviceBuilder, c, prev, parent, name)
				}
				owner[c] = parent
				commands[c] = struct{}{}
			}
		}
		for _, s := range t.States {
			if _, dup := states[s]; dup {
				return Info{}, fmt.Errorf("%w: duplicate state %q on type %q", ErrDeviceBuilder, s, name)
			}
			states[s] = struct{}{}
			owner[s] = name
		}
		for _, c := range t.Commands {
			if _, dup := commands[c]; dup {
				return Info{}, fmt.Errorf("%w: duplicate command %q on type %q", ErrDeviceBuilder, c, name)
			}
			commands[c] = struct{}{}
			owner[c] = name
		}

		info := Info{TypeName: name, Types: types, States: states, Commands: commands}
		resolved[name] = info
		return info, nil
	}

	for name := range raw {
		if _, err := resolve(name); err != nil {
			return nil, err
		}
	}

	return &Catalog{infos: resolved}, nil
}
