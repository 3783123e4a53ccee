// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package image

import (
	"errors"
	"io"
	"io/ioutil"
	"os"

	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"gopkg.in/yaml.v2"
)

// Manifest is the YAML description of a set of classes. Method bodies are
// constant: they return the `returns` value, or fail with the `fails` message.
//
//	classes:
//	  - name: com.example.Settings
//	    methods:
//	      - name: getVersion
//	        params: [int]
//	        literals: [ro.example.version]
//	        returns: "1.0"
//	    fields:
//	      - name: INCREMENTAL
//	        value: eng.1
//	        final: true
type Manifest struct {
	Classes []ManifestClass `yaml:"classes"`
}

type ManifestClass struct {
	Name    string           `yaml:"name"`
	Methods []ManifestMethod `yaml:"methods"`
	Fields  []ManifestField  `yaml:"fields"`
}

type ManifestMethod struct {
	Name     string      `yaml:"name"`
	Params   []string    `yaml:"params"`
	Literals []string    `yaml:"literals"`
	Final    bool        `yaml:"final"`
	Returns  interface{} `yaml:"returns"`
	Fails    string      `yaml:"fails"`
}

type ManifestField struct {
	Name  string      `yaml:"name"`
	Value interface{} `yaml:"value"`
	Final bool        `yaml:"final"`
}

// ReadManifest decodes a YAML manifest.
func ReadManifest(r io.Reader) (*Manifest, error) {
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, hkerrors.Wrap(err, "could not read the manifest")
	}
	var m Manifest
	if err := yaml.UnmarshalStrict(buf, &m); err != nil {
		return nil, hkerrors.Wrap(err, "could not decode the manifest")
	}
	return &m, nil
}

// LoadManifest defines the classes of the YAML manifest read from r.
func (img *Image) LoadManifest(r io.Reader) error {
	m, err := ReadManifest(r)
	if err != nil {
		return err
	}
	classes, err := m.classes()
	if err != nil {
		return err
	}
	return img.Define(classes...)
}

// LoadManifestFile returns a new image of the manifest file classes.
func LoadManifestFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, hkerrors.Wrap(err, "could not open the manifest file")
	}
	defer f.Close()
	img := New()
	if err := img.LoadManifest(f); err != nil {
		return nil, hkerrors.Wrapf(err, "manifest file `%s`", path)
	}
	return img, nil
}

func (m *Manifest) classes() ([]*Class, error) {
	classes := make([]*Class, 0, len(m.Classes))
	for _, mc := range m.Classes {
		if mc.Name == "" {
			return nil, hkerrors.New("unnamed class")
		}
		members := make([]Member, 0, len(mc.Methods)+len(mc.Fields))
		for _, mm := range mc.Methods {
			if mm.Name == "" {
				return nil, hkerrors.Errorf("class `%s`: unnamed method", mc.Name)
			}
			var opts []MethodOption
			if len(mm.Literals) > 0 {
				opts = append(opts, WithLiterals(mm.Literals...))
			}
			if mm.Final {
				opts = append(opts, Final())
			}
			members = append(members, NewMethod(mm.Name, mm.Params, constantBody(mm.Returns, mm.Fails), opts...))
		}
		for _, mf := range mc.Fields {
			if mf.Name == "" {
				return nil, hkerrors.Errorf("class `%s`: unnamed field", mc.Name)
			}
			var opts []FieldOption
			if mf.Final {
				opts = append(opts, FinalField())
			}
			members = append(members, NewField(mf.Name, mf.Value, opts...))
		}
		classes = append(classes, NewClass(mc.Name, members...))
	}
	return classes, nil
}

func constantBody(result interface{}, failure string) Body {
	if failure != "" {
		err := errors.New(failure)
		return func(interface{}, []interface{}) (interface{}, error) {
			return nil, err
		}
	}
	return func(interface{}, []interface{}) (interface{}, error) {
		return result, nil
	}
}
