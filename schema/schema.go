package schema

//
// Copyright (c) 2019 ARM Limited.
//
// SPDX-License-Identifier: MIT
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//

import (
	"fmt"
	"io/ioutil"
	"sort"

	. "github.com/PelionIoT/meshbase/data"
	. "github.com/PelionIoT/meshbase/error"

	"gopkg.in/yaml.v2"
)

type PropertyType struct {
	Type     DataType `yaml:"type"`
	Optional bool     `yaml:"optional"`
}

type EntityType struct {
	Name       string                  `yaml:"-"`
	Supertypes []string                `yaml:"supertypes"`
	Properties map[string]PropertyType `yaml:"properties"`
}

type RoleType struct {
	Name        string `yaml:"-"`
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
}

// Registry describes the entity and role types objects may be blessed with.
// It is loaded at runtime instead of being compiled into per-type code.
type Registry struct {
	EntityTypes map[string]*EntityType `yaml:"entityTypes"`
	RoleTypes   map[string]*RoleType   `yaml:"roleTypes"`
}

func NewRegistry() *Registry {
	return &Registry{
		EntityTypes: map[string]*EntityType{},
		RoleTypes:   map[string]*RoleType{},
	}
}

func LoadRegistry(file string) (*Registry, error) {
	rawSchema, err := ioutil.ReadFile(file)

	if err != nil {
		return nil, err
	}

	return ParseRegistry(rawSchema)
}

func ParseRegistry(rawSchema []byte) (*Registry, error) {
	registry := NewRegistry()

	if err := yaml.Unmarshal(rawSchema, registry); err != nil {
		return nil, err
	}

	if registry.EntityTypes == nil {
		registry.EntityTypes = map[string]*EntityType{}
	}

	if registry.RoleTypes == nil {
		registry.RoleTypes = map[string]*RoleType{}
	}

	for name, entityType := range registry.EntityTypes {
		if entityType == nil {
			entityType = &EntityType{}
			registry.EntityTypes[name] = entityType
		}

		entityType.Name = name

		for _, supertype := range entityType.Supertypes {
			if _, ok := registry.EntityTypes[supertype]; !ok {
				return nil, fmt.Errorf("entity type %s has unknown supertype %s", name, supertype)
			}
		}

		for propertyName, propertyType := range entityType.Properties {
			if !propertyType.Type.IsValid() {
				return nil, fmt.Errorf("property %s of %s has unknown data type %s", propertyName, name, propertyType.Type)
			}
		}
	}

	for name, roleType := range registry.RoleTypes {
		if roleType == nil {
			roleType = &RoleType{}
			registry.RoleTypes[name] = roleType
		}

		roleType.Name = name
	}

	if err := registry.checkCycles(); err != nil {
		return nil, err
	}

	return registry, nil
}

func (registry *Registry) checkCycles() error {
	for name := range registry.EntityTypes {
		visiting := map[string]bool{}

		var visit func(string) error

		visit = func(current string) error {
			if visiting[current] {
				return fmt.Errorf("entity type %s is its own supertype", current)
			}

			visiting[current] = true

			for _, supertype := range registry.EntityTypes[current].Supertypes {
				if err := visit(supertype); err != nil {
					return err
				}
			}

			visiting[current] = false

			return nil
		}

		if err := visit(name); err != nil {
			return err
		}
	}

	return nil
}

// AllProperties returns the properties of an entity type including the ones
// inherited from its supertypes.
func (registry *Registry) AllProperties(entityTypeName string) map[string]PropertyType {
	properties := map[string]PropertyType{}
	entityType, ok := registry.EntityTypes[entityTypeName]

	if !ok {
		return properties
	}

	for _, supertype := range entityType.Supertypes {
		for name, propertyType := range registry.AllProperties(supertype) {
			properties[name] = propertyType
		}
	}

	for name, propertyType := range entityType.Properties {
		properties[name] = propertyType
	}

	return properties
}

func (registry *Registry) ValidateBless(entityType string) error {
	if _, ok := registry.EntityTypes[entityType]; !ok {
		return EUnknownType
	}

	return nil
}

func (registry *Registry) ValidateRole(roleType string) error {
	if _, ok := registry.RoleTypes[roleType]; !ok {
		return EUnknownType
	}

	return nil
}

// ValidateProperty checks that one of the types an object is blessed with
// declares the property with the value's data type.
func (registry *Registry) ValidateProperty(types []string, name string, value PropertyValue) error {
	for _, entityType := range types {
		if propertyType, ok := registry.AllProperties(entityType)[name]; ok {
			if propertyType.Type != value.Type {
				return EInvalidProperty
			}

			return nil
		}
	}

	return EInvalidProperty
}

// MissingProperties lists the mandatory properties the object does not have
// yet.
func (registry *Registry) MissingProperties(object *Object) []string {
	missing := []string{}
	seen := map[string]bool{}

	for _, entityType := range object.Types {
		for name, propertyType := range registry.AllProperties(entityType) {
			if propertyType.Optional || seen[name] {
				continue
			}

			seen[name] = true

			if _, ok := object.Properties[name]; !ok {
				missing = append(missing, name)
			}
		}
	}

	sort.Strings(missing)

	return missing
}
