package task

import (
	"errors"
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"
)

// - a step file declares step kinds at the top level
// - every kind holds named targets, plus an optional "options" block
//   shared by all of its targets
// - every target declares file mappings, either inline (src/dest) or as
//   a list under "files", and how to build them (run or builtin)
//
//	concat:
//	  options:
//	    separator: ";"
//	  app:
//	    src: [a.js, b.js]
//	    dest: dist/app.js
//	    builtin: concat

type (
	File struct {
		Kinds []Kind
	}

	Kind struct {
		Name    string
		Options Options
		Targets []Target
		// every key under the kind, in declaration order
		keys []string
	}

	Target struct {
		Name    string     `yaml:"-"`
		Files   []Files    `yaml:"files"`
		Src     StringList `yaml:"src"`
		Dest    StringList `yaml:"dest"`
		Run     string     `yaml:"run"`
		Builtin string     `yaml:"builtin"`
		Options Options    `yaml:"options"`
	}

	Files struct {
		Src  StringList `yaml:"src"`
		Dest StringList `yaml:"dest"`
	}

	Options map[string]string

	StringList []string
)

func Load(path string) (*File, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromFile(contents)
}

// FromFile parses a step file, keeping kinds and targets in the order they
// are written.
func FromFile(contents []byte) (*File, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(contents, &root); err != nil {
		return nil, err
	}

	f := &File{}
	if len(root.Content) == 0 {
		return f, nil
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: step file must be a mapping of step kinds", doc.Line)
	}

	for i := 0; i+1 < len(doc.Content); i += 2 {
		k, err := decodeKind(doc.Content[i].Value, doc.Content[i+1])
		if err != nil {
			return nil, err
		}
		f.Kinds = append(f.Kinds, k)
	}

	return f, nil
}

func decodeKind(name string, node *yaml.Node) (Kind, error) {
	k := Kind{Name: name}
	if node.Kind != yaml.MappingNode {
		return k, fmt.Errorf("line %d: step kind %q must be a mapping of targets", node.Line, name)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		k.keys = append(k.keys, key)

		if key == "options" {
			if err := val.Decode(&k.Options); err != nil {
				return k, fmt.Errorf("%s.options: %w", name, err)
			}
			continue
		}

		var t Target
		if err := val.Decode(&t); err != nil {
			return k, fmt.Errorf("%s:%s: %w", name, key, err)
		}
		t.Name = key
		k.Targets = append(k.Targets, t)
	}

	return k, nil
}

func (f *File) Kind(name string) (*Kind, bool) {
	for i := range f.Kinds {
		if f.Kinds[i].Name == name {
			return &f.Kinds[i], true
		}
	}
	return nil, false
}

// Lookup finds the target named by ref, with kind options merged under the
// target's own options.
func (f *File) Lookup(ref Ref) (Target, error) {
	k, ok := f.Kind(ref.Kind)
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownStep, ref)
	}

	for _, t := range k.Targets {
		if t.Name != ref.Target {
			continue
		}
		opts := Options{}
		maps.Copy(opts, k.Options)
		maps.Copy(opts, t.Options)
		t.Options = opts
		return t, nil
	}

	return Target{}, fmt.Errorf("%w: %s", ErrUnknownStep, ref)
}

// Keys lists every key of the kind, including reserved ones.
func (k *Kind) Keys() []string {
	return append([]string(nil), k.keys...)
}

// Mappings returns the target's declared file mappings.
func (t Target) Mappings() []Mapping {
	if len(t.Files) > 0 {
		mappings := make([]Mapping, 0, len(t.Files))
		for _, f := range t.Files {
			mappings = append(mappings, Mapping{Src: []string(f.Src), Dest: []string(f.Dest)})
		}
		return mappings
	}

	if len(t.Src) == 0 && len(t.Dest) == 0 {
		return nil
	}
	return []Mapping{{Src: []string(t.Src), Dest: []string(t.Dest)}}
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringList: expected a string or a list of strings")
}
